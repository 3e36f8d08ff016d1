package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

func TestOpenStoresFallsBackToMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"c1","name":"Spring","status":"active"}]`), 0o644))

	cfg := &config.Config{Pipeline: config.PipelineConfig{BatchSize: 100}}
	st, err := openStores(cfg, &database.Connections{}, path, zap.NewNop())
	require.NoError(t, err)

	assert.IsType(t, &storage.InMemoryEventLog{}, st.events)
	assert.IsType(t, &storage.InMemoryRollupStore{}, st.rollups)
	assert.Same(t, st.offsets, st.persistOffsets)
	assert.Same(t, st.attributed, st.versions)

	c, err := st.campaigns.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Spring", c.Name)
}

func TestLoadCampaigns(t *testing.T) {
	campaigns, err := loadCampaigns("")
	require.NoError(t, err)
	assert.Empty(t, campaigns)

	_, err = loadCampaigns(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	_, err = loadCampaigns(bad)
	assert.Error(t, err)
}
