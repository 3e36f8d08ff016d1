package attribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

func TestModelRegistryVersions(t *testing.T) {
	r := NewModelRegistry(DefaultStrategies())

	base := models.ModelConfig{ModelID: models.ModelLinear, Window: 24 * time.Hour}

	v1, err := r.Register(context.Background(), "c1", base)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	same, err := r.Register(context.Background(), "c1", base)
	require.NoError(t, err)
	assert.Equal(t, 1, same.Version)

	changed := base
	changed.Window = 48 * time.Hour
	v2, err := r.Register(context.Background(), "c1", changed)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	back, err := r.Register(context.Background(), "c1", base)
	require.NoError(t, err)
	assert.Equal(t, 1, back.Version)

	assert.Len(t, r.History("c1"), 2)
	got, ok := r.Lookup("c1", models.ModelLinear, 2)
	require.True(t, ok)
	assert.Equal(t, 48*time.Hour, got.Window)
}

func TestModelRegistryKeepsPersistedVersion(t *testing.T) {
	r := NewModelRegistry(DefaultStrategies())
	got, err := r.Register(context.Background(), "c1", models.ModelConfig{ModelID: models.ModelLastTouch, Version: 7, Window: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 7, got.Version)
}

func TestModelRegistryStartsAboveStoredAttributions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryAttributionStore()
	require.NoError(t, store.Save(ctx, []models.AttributedEvent{{
		CampaignID:        "c1",
		ConversionEventID: "conv",
		TouchpointEventID: "tp",
		ModelID:           models.ModelLinear,
		ModelVersion:      3,
	}}))

	r := NewModelRegistry(DefaultStrategies())
	r.SetStore(store)
	got, err := r.Register(ctx, "c1", models.ModelConfig{ModelID: models.ModelLinear, Window: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 4, got.Version)

	hist, err := store.ModelVersions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, hist.Versions, 1)
	assert.Equal(t, 4, hist.Versions[0].Version)
	assert.Equal(t, 3, hist.MaxStored)
}

func TestModelRegistryRetriesClaimedVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryAttributionStore()
	a := models.ModelConfig{ModelID: models.ModelLinear, Window: time.Hour}
	b := models.ModelConfig{ModelID: models.ModelLinear, Window: 2 * time.Hour}
	c := models.ModelConfig{ModelID: models.ModelLinear, Window: 3 * time.Hour}

	first := NewModelRegistry(DefaultStrategies())
	first.SetStore(store)
	second := NewModelRegistry(DefaultStrategies())
	second.SetStore(store)

	got, err := first.Register(ctx, "c1", a)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	got, err = second.Register(ctx, "c1", b)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	got, err = first.Register(ctx, "c1", c)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version, "a version claimed by another instance is skipped")

	got, err = first.Register(ctx, "c1", b)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestModelRegistryRejectsInvalidParams(t *testing.T) {
	r := NewModelRegistry(DefaultStrategies())

	tests := []models.ModelConfig{
		{ModelID: "unknown", Window: time.Hour},
		{ModelID: models.ModelLinear},
		{ModelID: models.ModelTimeDecay, Window: time.Hour},
		{ModelID: models.ModelPositionBased, Window: time.Hour, FirstWeight: 0.7, LastWeight: 0.5},
		{ModelID: models.ModelPositionBased, Window: time.Hour, FirstWeight: -0.1},
	}
	for _, cfg := range tests {
		_, err := r.Register(context.Background(), "c1", cfg)
		var mce *models.ModelComputationError
		assert.True(t, errors.As(err, &mce), cfg.Fingerprint())
	}
}

func TestNormalize(t *testing.T) {
	w, err := normalize([]float64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, w[0]+w[1]+w[2])

	_, err = normalize([]float64{0, 0})
	assert.Error(t, err)
}
