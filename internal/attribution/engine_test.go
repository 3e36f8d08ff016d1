package attribution

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

var day0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.AddDate(0, 0, n) }

type fixture struct {
	log    *storage.InMemoryEventLog
	store  *storage.InMemoryAttributionStore
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := storage.NewInMemoryEventLog(100)
	store := storage.NewInMemoryAttributionStore()
	registry := NewModelRegistry(DefaultStrategies())
	return &fixture{
		log:    log,
		store:  store,
		engine: NewEngine(log, store, registry, 1000, time.Minute, zap.NewNop()),
	}
}

func (f *fixture) append(t *testing.T, subject, typ string, at time.Time, value string) models.Event {
	t.Helper()
	ev, err := f.log.Append(context.Background(), models.Event{
		CampaignID:     "c1",
		SubjectID:      subject,
		TouchpointType: typ,
		OccurredAt:     at,
		DedupKey:       fmt.Sprintf("%s|%s|%d", subject, typ, at.Unix()),
		Value:          value,
	})
	require.NoError(t, err)
	return ev
}

func cfg(id models.ModelID) models.ModelConfig {
	return models.ModelConfig{
		ModelID:     id,
		Version:     1,
		Window:      30 * 24 * time.Hour,
		HalfLife:    7 * 24 * time.Hour,
		FirstWeight: 0.4,
		LastWeight:  0.4,
	}
}

func creditSum(events []models.AttributedEvent) float64 {
	var sum float64
	for _, a := range events {
		sum += a.CreditFraction
	}
	return sum
}

func TestAttributeScenarios(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	t1 := f.append(t, "u1", "click", day(0), "")
	t2 := f.append(t, "u1", "email", day(3), "")
	conv := f.append(t, "u1", models.TypeConversion, day(5), "100")

	t.Run("linear splits evenly", func(t *testing.T) {
		got, err := f.engine.Attribute(ctx, conv, cfg(models.ModelLinear))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, t1.ID, got[0].TouchpointEventID)
		assert.InDelta(t, 0.5, got[0].CreditFraction, 1e-12)
		assert.InDelta(t, 0.5, got[1].CreditFraction, 1e-12)
		assert.Equal(t, "50.000000", got[0].CreditValue)
		assert.Equal(t, "50.000000", got[1].CreditValue)
	})

	t.Run("last touch credits the latest touchpoint", func(t *testing.T) {
		got, err := f.engine.Attribute(ctx, conv, cfg(models.ModelLastTouch))
		require.NoError(t, err)
		for _, a := range got {
			if a.TouchpointEventID == t2.ID {
				assert.Equal(t, 1.0, a.CreditFraction)
			} else {
				assert.Equal(t, 0.0, a.CreditFraction)
			}
		}
	})

	t.Run("first touch credits the earliest touchpoint", func(t *testing.T) {
		got, err := f.engine.Attribute(ctx, conv, cfg(models.ModelFirstTouch))
		require.NoError(t, err)
		assert.Equal(t, 1.0, got[0].CreditFraction)
		assert.Equal(t, t1.ID, got[0].TouchpointEventID)
	})

	t.Run("time decay favors recent touchpoints", func(t *testing.T) {
		got, err := f.engine.Attribute(ctx, conv, cfg(models.ModelTimeDecay))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Greater(t, got[1].CreditFraction, got[0].CreditFraction)
		// 5 days vs 2 days before conversion with a 7 day half-life.
		w1, w2 := math.Exp2(-5.0/7), math.Exp2(-2.0/7)
		assert.InDelta(t, w1/(w1+w2), got[0].CreditFraction, 1e-9)
	})

	t.Run("position based renormalizes two touchpoints", func(t *testing.T) {
		got, err := f.engine.Attribute(ctx, conv, cfg(models.ModelPositionBased))
		require.NoError(t, err)
		assert.InDelta(t, 0.5, got[0].CreditFraction, 1e-12)
		assert.InDelta(t, 0.5, got[1].CreditFraction, 1e-12)
	})

	t.Run("credit sums to one for every model", func(t *testing.T) {
		for id := range DefaultStrategies() {
			got, err := f.engine.Attribute(ctx, conv, cfg(id))
			require.NoError(t, err, id)
			assert.InDelta(t, 1.0, creditSum(got), 1e-9, id)
		}
	})
}

func TestAttributeWithoutTouchpoints(t *testing.T) {
	f := newFixture(t)
	conv := f.append(t, "u1", models.TypeConversion, day(5), "80")

	got, err := f.engine.Attribute(context.Background(), conv, cfg(models.ModelLinear))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].CreditFraction)
	assert.True(t, got[0].NoAttributionPath)
	assert.Equal(t, conv.ID, got[0].TouchpointEventID)
	assert.Equal(t, "80", got[0].CreditValue)
}

func TestAttributeQualification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.append(t, "u1", "click", day(-40), "")        // outside the window
	f.append(t, "u2", "click", day(1), "")          // other subject
	f.append(t, "u1", models.TypeSpend, day(1), "5") // not a touchpoint
	inWindow := f.append(t, "u1", "click", day(2), "")
	conv := f.append(t, "u1", models.TypeConversion, day(5), "10")
	f.append(t, "u1", "click", day(4), "") // logged after the conversion

	got, err := f.engine.Attribute(ctx, conv, cfg(models.ModelLinear))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inWindow.ID, got[0].TouchpointEventID)
	assert.Equal(t, 1.0, got[0].CreditFraction)
}

func TestAttributeIsDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 7; i++ {
		f.append(t, "u1", fmt.Sprintf("ch%d", i%3), day(i), "")
	}
	conv := f.append(t, "u1", models.TypeConversion, day(8), "99.99")

	first, err := f.engine.Attribute(ctx, conv, cfg(models.ModelPositionBased))
	require.NoError(t, err)
	second, err := f.engine.Attribute(ctx, conv, cfg(models.ModelPositionBased))
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].CreditFraction, second[i].CreditFraction)
		assert.Equal(t, first[i].CreditValue, second[i].CreditValue)
	}
	assert.InDelta(t, 0.4, first[0].CreditFraction, 1e-12)
	assert.InDelta(t, 0.4, first[len(first)-1].CreditFraction, 1e-12)
}

func TestProcessRecordsModelErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.append(t, "u1", "click", day(1), "")
	conv := f.append(t, "u1", models.TypeConversion, day(2), "10")

	bad := cfg(models.ModelTimeDecay)
	bad.HalfLife = 0

	rec, err := f.engine.Process(ctx, conv, bad)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ModelError)
	assert.Empty(t, rec.Attributions)
	assert.Equal(t, conv.Seq, rec.Seq)

	unknown := cfg("markov")
	rec, err = f.engine.Process(ctx, conv, unknown)
	require.NoError(t, err)
	assert.Contains(t, rec.ModelError, "unknown model")
}

func TestProcessForwardsNonConversions(t *testing.T) {
	f := newFixture(t)
	tp := f.append(t, "u1", "click", day(1), "")

	rec, err := f.engine.Process(context.Background(), tp, cfg(models.ModelLinear))
	require.NoError(t, err)
	assert.Equal(t, tp.Seq, rec.Seq)
	assert.Empty(t, rec.Attributions)
	assert.Empty(t, rec.ModelError)
}

func TestBacktestKeepsVersionsSideBySide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.append(t, "u1", "click", day(0), "")
	f.append(t, "u1", "email", day(3), "")
	conv := f.append(t, "u1", models.TypeConversion, day(5), "100")

	active, err := f.engine.Registry().Register(context.Background(), "c1", cfg(models.ModelLastTouch))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, conv, active)
	require.NoError(t, err)

	result, err := f.engine.Backtest(ctx, "c1", cfg(models.ModelLinear))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Model.Version)
	assert.Equal(t, 1, result.Conversions)
	assert.Equal(t, "100.000000", result.Revenue.String())
	assert.Equal(t, "50.000000", result.RevenueByType["click"].String())

	still, ok := f.engine.Registry().Active("c1")
	require.True(t, ok)
	assert.Equal(t, models.ModelLastTouch, still.ModelID)

	grouped, err := f.engine.Compare(ctx, "c1", conv.ID)
	require.NoError(t, err)
	assert.Len(t, grouped, 2)
	assert.Len(t, grouped["linear@v2"], 2)
}

func TestModelVersionsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.Registry().SetStore(f.store)
	f.append(t, "u1", "click", day(0), "")
	f.append(t, "u1", "email", day(3), "")
	conv := f.append(t, "u1", models.TypeConversion, day(5), "100")

	wide := cfg(models.ModelLinear)
	before, err := f.engine.Backtest(ctx, "c1", wide)
	require.NoError(t, err)
	assert.Equal(t, 1, before.Model.Version)

	restarted := NewModelRegistry(DefaultStrategies())
	restarted.SetStore(f.store)
	engine := NewEngine(f.log, f.store, restarted, 1000, time.Minute, zap.NewNop())

	narrow := wide
	narrow.Window = 4 * 24 * time.Hour
	after, err := engine.Backtest(ctx, "c1", narrow)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Model.Version, "a new parameter set never reuses a stored version")

	v1, err := f.store.ListByModel(ctx, "c1", models.ModelLinear, 1)
	require.NoError(t, err)
	assert.Len(t, v1, 2)
	v2, err := f.store.ListByModel(ctx, "c1", models.ModelLinear, 2)
	require.NoError(t, err)
	assert.Len(t, v2, 1)

	grouped, err := engine.Compare(ctx, "c1", conv.ID)
	require.NoError(t, err)
	assert.Len(t, grouped, 2)

	again, err := restarted.Register(ctx, "c1", wide)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version)
}
