package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// writeArtifact renders into a temp file in dir and renames it to name once
// complete. A failed or cancelled write leaves no file behind.
func writeArtifact(ctx context.Context, dir, name string, render func(f *os.File) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := render(tmp); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}

	dest := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	committed = true
	return dest, nil
}

func artifactName(jobID string, ext string) string {
	return jobID + "." + ext
}
