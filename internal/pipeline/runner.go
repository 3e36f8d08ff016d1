// Package pipeline runs the per-campaign stage workers: attribution over the
// event log and aggregation over the attribution log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/vector-attribution/internal/aggregator"
	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// maxRestartBackoff caps the delay before a failed worker restarts.
const maxRestartBackoff = 30 * time.Second

// Deps are the stores and components the runner drives.
type Deps struct {
	Events      storage.EventLog
	Attribution storage.AttributionLog
	Offsets     storage.OffsetStore
	Checkpoints storage.CheckpointStore
	Campaigns   storage.CampaignRegistry
	Engine      *attribution.Engine
	Aggregator  *aggregator.Aggregator
}

// Runner supervises one attribution and one aggregation worker per campaign.
// A failing worker is restarted with backoff without affecting other campaigns.
type Runner struct {
	Deps
	cfg      config.PipelineConfig
	defaults config.AttributionConfig

	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	started map[string]bool
	pending map[string]int // applied records since the last checkpoint
}

// NewRunner creates a runner.
func NewRunner(deps Deps, cfg config.PipelineConfig, defaults config.AttributionConfig, logger *zap.Logger) *Runner {
	return &Runner{
		Deps:     deps,
		cfg:      cfg,
		defaults: defaults,
		logger:   logger,
		started:  make(map[string]bool),
		pending:  make(map[string]int),
	}
}

func (r *Runner) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Run starts workers for every known campaign and picks up new campaigns on
// each refresh until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	refresh := r.cfg.CampaignRefresh
	if refresh <= 0 {
		refresh = 30 * time.Second
	}

	g.Go(func() error {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			if err := r.startCampaigns(ctx, g); err != nil {
				r.logger.Error("campaign refresh failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

func (r *Runner) startCampaigns(ctx context.Context, g *errgroup.Group) error {
	campaigns, err := r.Campaigns.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}

	for _, c := range campaigns {
		id := c.ID
		r.mu.Lock()
		known := r.started[id]
		r.started[id] = true
		r.mu.Unlock()
		if known {
			continue
		}

		r.logger.Info("starting campaign workers", zap.String("campaign_id", id))
		g.Go(func() error {
			r.supervise(ctx, storage.StageAttribution, id, r.AttributeOnce)
			return nil
		})
		g.Go(func() error {
			if err := r.RestoreCheckpoint(ctx, id); err != nil {
				r.logger.Warn("checkpoint restore failed, replaying from start",
					zap.String("campaign_id", id),
					zap.Error(err),
				)
			}
			r.supervise(ctx, storage.StageAggregation, id, r.AggregateOnce)
			return nil
		})
	}
	return nil
}

// ===========================================
// SUPERVISION
// ===========================================

type stepFunc func(ctx context.Context, campaignID string) (int, error)

// supervise runs step in a loop, polling when idle. Errors and panics restart
// the loop after an exponential backoff.
func (r *Runner) supervise(ctx context.Context, stage, campaignID string, step stepFunc) {
	failures := 0
	for ctx.Err() == nil {
		n, err := r.safeStep(ctx, campaignID, step)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			delay := backoff(r.cfg.RestartBackoff, failures)
			r.metrics.RecordWorkerRestart(stage, campaignID)
			r.logger.Error("worker failed, restarting",
				zap.String("stage", stage),
				zap.String("campaign_id", campaignID),
				zap.Int("failures", failures),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			sleep(ctx, delay)
		case n == 0:
			failures = 0
			sleep(ctx, r.cfg.PollInterval)
		default:
			failures = 0
		}
	}
}

func (r *Runner) safeStep(ctx context.Context, campaignID string, step stepFunc) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.logger.Error("worker panic",
				zap.String("campaign_id", campaignID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	return step(ctx, campaignID)
}

func backoff(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < failures && d < maxRestartBackoff; i++ {
		d *= 2
	}
	if d > maxRestartBackoff {
		d = maxRestartBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ===========================================
// ATTRIBUTION STAGE
// ===========================================

// AttributeOnce attributes up to one batch of events past the stage offset and
// returns how many were processed.
func (r *Runner) AttributeOnce(ctx context.Context, campaignID string) (int, error) {
	cfg, err := r.activeModel(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	offset, err := r.Offsets.Get(ctx, storage.StageAttribution, campaignID)
	if err != nil {
		return 0, fmt.Errorf("get attribution offset: %w", err)
	}
	cur, err := r.Events.Replay(ctx, campaignID, offset+1)
	if err != nil {
		return 0, fmt.Errorf("replay events: %w", err)
	}

	n := 0
	last := offset
	for n < r.batchSize() && cur.Next(ctx) {
		rec, err := r.Engine.Process(ctx, cur.Value(), cfg)
		if err != nil {
			err = fmt.Errorf("attribute seq %d: %w", cur.Seq(), err)
			return n, errors.Join(err, r.commit(ctx, storage.StageAttribution, campaignID, offset, last))
		}
		if err := r.Attribution.Append(ctx, rec); err != nil {
			err = fmt.Errorf("append attribution seq %d: %w", cur.Seq(), err)
			return n, errors.Join(err, r.commit(ctx, storage.StageAttribution, campaignID, offset, last))
		}
		last = cur.Seq()
		n++
	}
	if err := cur.Err(); err != nil {
		return n, errors.Join(err, r.commit(ctx, storage.StageAttribution, campaignID, offset, last))
	}
	return n, r.commit(ctx, storage.StageAttribution, campaignID, offset, last)
}

func (r *Runner) commit(ctx context.Context, stage, campaignID string, from, to int64) error {
	if to <= from {
		return nil
	}
	if err := r.Offsets.Set(ctx, stage, campaignID, to); err != nil {
		return fmt.Errorf("set %s offset: %w", stage, err)
	}
	return nil
}

// activeModel registers the campaign's configured model, filled with the
// configured defaults, and returns it with its version. An invalid model is
// still returned so every conversion gets flagged with the model error.
func (r *Runner) activeModel(ctx context.Context, campaignID string) (models.ModelConfig, error) {
	c, err := r.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return models.ModelConfig{}, fmt.Errorf("get campaign: %w", err)
	}
	cfg := WithDefaults(c.Attribution, r.defaults)

	versioned, err := r.Engine.Registry().Register(ctx, campaignID, cfg)
	if err != nil {
		var mce *models.ModelComputationError
		if errors.As(err, &mce) {
			return cfg, nil
		}
		return models.ModelConfig{}, err
	}
	return versioned, nil
}

// WithDefaults fills unset model parameters from the configuration.
func WithDefaults(cfg models.ModelConfig, d config.AttributionConfig) models.ModelConfig {
	if cfg.ModelID == "" {
		cfg.ModelID = models.ModelID(d.DefaultModel)
	}
	if cfg.Window == 0 {
		cfg.Window = d.DefaultWindow
	}
	if cfg.ModelID == models.ModelTimeDecay && cfg.HalfLife == 0 {
		cfg.HalfLife = d.DefaultHalfLife
	}
	if cfg.ModelID == models.ModelPositionBased && cfg.FirstWeight == 0 && cfg.LastWeight == 0 {
		cfg.FirstWeight = d.PositionFirst
		cfg.LastWeight = d.PositionLast
	}
	return cfg
}

// ===========================================
// AGGREGATION STAGE
// ===========================================

// AggregateOnce applies up to one batch of attribution records, checkpoints
// when due and re-evaluates the campaign's lag.
func (r *Runner) AggregateOnce(ctx context.Context, campaignID string) (int, error) {
	offset := r.Aggregator.LastApplied(campaignID)
	cur, err := r.Attribution.Replay(ctx, campaignID, offset+1)
	if err != nil {
		return 0, fmt.Errorf("replay attributions: %w", err)
	}

	n := 0
	var stepErr error
	for n < r.batchSize() && cur.Next(ctx) {
		if err := r.Aggregator.Apply(ctx, cur.Value()); err != nil {
			stepErr = fmt.Errorf("apply seq %d: %w", cur.Seq(), err)
			break
		}
		n++
	}
	if stepErr == nil {
		stepErr = cur.Err()
	}

	applied := r.Aggregator.LastApplied(campaignID)
	if err := r.commit(ctx, storage.StageAggregation, campaignID, offset, applied); err != nil {
		stepErr = errors.Join(stepErr, err)
	}
	if err := r.maybeCheckpoint(ctx, campaignID, n); err != nil {
		stepErr = errors.Join(stepErr, err)
	}

	if head, err := r.Events.Head(ctx, campaignID); err == nil {
		_ = r.Aggregator.CheckLag(campaignID, head)
	}
	return n, stepErr
}

func (r *Runner) maybeCheckpoint(ctx context.Context, campaignID string, applied int) error {
	if r.Checkpoints == nil || applied == 0 {
		return nil
	}

	r.mu.Lock()
	r.pending[campaignID] += applied
	due := r.pending[campaignID] >= r.cfg.CheckpointEvery
	if due {
		r.pending[campaignID] = 0
	}
	r.mu.Unlock()
	if !due {
		return nil
	}
	return r.Checkpoint(ctx, campaignID)
}

// Checkpoint serializes the campaign's partition into the checkpoint store.
func (r *Runner) Checkpoint(ctx context.Context, campaignID string) error {
	seq, data, err := r.Aggregator.Checkpoint(campaignID)
	if err != nil {
		return err
	}
	if err := r.Checkpoints.Save(ctx, campaignID, seq, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	r.logger.Info("checkpoint saved",
		zap.String("campaign_id", campaignID),
		zap.Int64("seq", seq),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// RestoreCheckpoint loads the campaign's last checkpoint into the aggregator.
// Aggregation then resumes at the checkpoint seq + 1. A missing checkpoint is
// not an error.
func (r *Runner) RestoreCheckpoint(ctx context.Context, campaignID string) error {
	if r.Checkpoints == nil || r.Aggregator.LastApplied(campaignID) > 0 {
		return nil
	}
	seq, data, err := r.Checkpoints.Load(ctx, campaignID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if err := r.Aggregator.Restore(ctx, campaignID, data); err != nil {
		return err
	}
	r.logger.Info("checkpoint restored", zap.String("campaign_id", campaignID), zap.Int64("seq", seq))
	return nil
}

func (r *Runner) batchSize() int {
	if r.cfg.BatchSize <= 0 {
		return storage.DefaultPageSize
	}
	return r.cfg.BatchSize
}
