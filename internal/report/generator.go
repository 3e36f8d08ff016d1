package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
)

const reasonCancelled = "cancelled"

// ErrJobFinished is returned when cancelling a job that already reached a
// terminal state.
var ErrJobFinished = errors.New("report job already finished")

// build is one report model shared by every job of a batch. It runs once, under
// the worker pool's context, so cancelling one job never fails its siblings.
type build struct {
	once   sync.Once
	done   chan struct{}
	report *Report
	err    error
}

func newBuild() *build {
	return &build{done: make(chan struct{})}
}

// wait starts the build on first use and blocks until it finishes or the
// waiting job's ctx is done.
func (b *build) wait(ctx, pool context.Context, run func(context.Context) (*Report, error)) (*Report, error) {
	b.once.Do(func() {
		go func() {
			defer close(b.done)
			b.report, b.err = run(pool)
		}()
	})
	select {
	case <-b.done:
		return b.report, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	jobID string
	req   models.ReportRequest
	build *build
}

type jobEntry struct {
	job    models.ReportJob
	cancel context.CancelFunc
}

// Generator runs report jobs on a bounded worker pool.
type Generator struct {
	source      Source
	artifactDir string
	workers     int

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	queue chan task

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

// NewGenerator creates a generator writing artifacts under artifactDir.
func NewGenerator(source Source, artifactDir string, workers int, logger *zap.Logger) *Generator {
	if workers <= 0 {
		workers = 1
	}
	return &Generator{
		source:      source,
		artifactDir: artifactDir,
		workers:     workers,
		logger:      logger,
		now:         time.Now,
		queue:       make(chan task, workers*64),
		jobs:        make(map[string]*jobEntry),
	}
}

func (g *Generator) SetMetrics(m *metrics.Metrics) { g.metrics = m }

// Generate validates req, pins the snapshot version and queues one job.
func (g *Generator) Generate(ctx context.Context, req models.ReportRequest) (*models.ReportJob, error) {
	jobs, err := g.GenerateBatch(ctx, req, []models.ReportFormat{req.Format})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// GenerateBatch queues one job per format. All jobs share the pinned version and
// a single report model build, so their artifacts agree on every number.
func (g *Generator) GenerateBatch(ctx context.Context, req models.ReportRequest, formats []models.ReportFormat) ([]*models.ReportJob, error) {
	if err := validateRequest(req, formats); err != nil {
		return nil, err
	}

	version := g.source.CurrentVersion(req.CampaignID)
	if req.SnapshotVersion != nil {
		version = *req.SnapshotVersion
	}
	req.SnapshotVersion = &version

	shared := newBuild()
	now := g.now().UTC()
	out := make([]*models.ReportJob, 0, len(formats))
	for _, f := range formats {
		job := models.ReportJob{
			JobID:           uuid.NewString(),
			CampaignID:      req.CampaignID,
			Window:          req.Window,
			Format:          f,
			IncludeLate:     req.IncludeLate,
			SnapshotVersion: version,
			State:           models.JobPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		g.mu.Lock()
		g.jobs[job.JobID] = &jobEntry{job: job}
		g.mu.Unlock()

		r := req
		r.Format = f
		select {
		case g.queue <- task{jobID: job.JobID, req: r, build: shared}:
		case <-ctx.Done():
			g.fail(job.JobID, reasonCancelled, ctx.Err())
			return nil, ctx.Err()
		}

		g.logger.Info("report job queued",
			zap.String("job_id", job.JobID),
			zap.String("campaign_id", job.CampaignID),
			zap.String("format", string(f)),
			zap.Int64("snapshot_version", version),
		)
		cp := job
		out = append(out, &cp)
	}
	return out, nil
}

func validateRequest(req models.ReportRequest, formats []models.ReportFormat) error {
	if req.CampaignID == "" {
		return &models.ValidationError{Field: "campaign_id", Reason: "required"}
	}
	if err := req.Window.Validate(); err != nil {
		return &models.ValidationError{Field: "window", Reason: err.Error()}
	}
	if len(formats) == 0 {
		return &models.ValidationError{Field: "format", Reason: "required"}
	}
	for _, f := range formats {
		if _, err := models.ParseReportFormat(string(f)); err != nil {
			return &models.ValidationError{Field: "format", Reason: err.Error()}
		}
	}
	if req.SnapshotVersion != nil && *req.SnapshotVersion < 0 {
		return &models.ValidationError{Field: "snapshot_version", Reason: "must not be negative"}
	}
	return nil
}

// Job returns a copy of the job.
func (g *Generator) Job(id string) (*models.ReportJob, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := e.job
	return &cp, nil
}

// Cancel stops a pending or rendering job. The job ends Failed and never
// publishes an artifact.
func (g *Generator) Cancel(id string) error {
	g.mu.Lock()
	e, ok := g.jobs[id]
	if !ok {
		g.mu.Unlock()
		return models.ErrNotFound
	}
	if e.job.State.Terminal() {
		g.mu.Unlock()
		return ErrJobFinished
	}
	pending := e.job.State == models.JobPending
	// Cancelled under mu so that succeed either sees it or has already won.
	if e.cancel != nil {
		e.cancel()
	}
	g.mu.Unlock()

	if pending {
		g.fail(id, reasonCancelled, context.Canceled)
	}
	return nil
}

// Artifact returns the path and format of a succeeded job's artifact.
func (g *Generator) Artifact(id string) (string, models.ReportFormat, error) {
	job, err := g.Job(id)
	if err != nil {
		return "", "", err
	}
	if job.State != models.JobSucceeded {
		return "", "", fmt.Errorf("job %s is %s: %w", id, job.State, models.ErrNotFound)
	}
	return job.ArtifactRef, job.Format, nil
}

// ===========================================
// WORKERS
// ===========================================

// Run processes queued jobs with the configured number of workers until ctx is
// done.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info("report workers started", zap.Int("workers", g.workers))

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < g.workers; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t := <-g.queue:
					g.process(ctx, t)
				}
			}
		})
	}
	return eg.Wait()
}

func (g *Generator) process(parent context.Context, t task) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g.mu.Lock()
	e, ok := g.jobs[t.jobID]
	if !ok || e.job.State != models.JobPending {
		g.mu.Unlock()
		return
	}
	e.cancel = cancel
	g.mu.Unlock()

	if !g.transition(t.jobID, models.JobRendering, nil) {
		return
	}
	start := g.now()

	r, err := t.build.wait(ctx, parent, func(bctx context.Context) (*Report, error) {
		return Build(bctx, g.source, t.req, *t.req.SnapshotVersion)
	})
	if err != nil {
		if ctx.Err() != nil {
			g.fail(t.jobID, reasonCancelled, ctx.Err())
		} else {
			g.fail(t.jobID, "build report", err)
		}
		return
	}
	if err := ctx.Err(); err != nil {
		g.fail(t.jobID, reasonCancelled, err)
		return
	}

	renderer, err := RendererFor(t.req.Format)
	if err != nil {
		g.fail(t.jobID, "select renderer", err)
		return
	}

	name := artifactName(t.jobID, t.req.Format.Extension())
	path, err := writeArtifact(ctx, g.artifactDir, name, func(f *os.File) error {
		return renderer.Render(f, r, g.now())
	})
	if err != nil {
		if ctx.Err() != nil {
			g.fail(t.jobID, reasonCancelled, err)
		} else {
			g.fail(t.jobID, "write artifact", err)
		}
		return
	}

	if !g.succeed(ctx, t.jobID, path) {
		return
	}
	g.metrics.RecordReport(string(t.req.Format), string(models.JobSucceeded), g.now().Sub(start))
	g.logger.Info("report job succeeded",
		zap.String("job_id", t.jobID),
		zap.String("artifact", path),
		zap.Duration("duration", g.now().Sub(start)),
	)
}

// succeed publishes path as the job's artifact. A job cancelled after its
// artifact was renamed into place fails instead, and the artifact is removed.
func (g *Generator) succeed(ctx context.Context, id, path string) bool {
	g.mu.Lock()
	e, ok := g.jobs[id]
	if ok && ctx.Err() == nil && e.job.State.CanTransition(models.JobSucceeded) {
		e.job.State = models.JobSucceeded
		e.job.UpdatedAt = g.now().UTC()
		e.job.ArtifactRef = path
		e.cancel = nil
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("remove cancelled artifact", zap.String("job_id", id), zap.Error(err))
	}
	err := ctx.Err()
	if err == nil {
		err = ErrJobFinished
	}
	g.fail(id, reasonCancelled, err)
	return false
}

// transition moves a job to next if the lifecycle allows it.
func (g *Generator) transition(id string, next models.JobState, mutate func(*models.ReportJob)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.jobs[id]
	if !ok || !e.job.State.CanTransition(next) {
		return false
	}
	e.job.State = next
	e.job.UpdatedAt = g.now().UTC()
	if mutate != nil {
		mutate(&e.job)
	}
	if next.Terminal() {
		e.cancel = nil
	}
	return true
}

func (g *Generator) fail(id, reason string, err error) {
	failure := &models.ReportGenerationFailed{JobID: id, Reason: reason, Err: err}

	var format string
	ok := g.transition(id, models.JobFailed, func(j *models.ReportJob) {
		j.Error = failure.Error()
		format = string(j.Format)
	})
	if !ok {
		return
	}
	g.metrics.RecordReport(format, string(models.JobFailed), 0)
	g.logger.Warn("report job failed", zap.String("job_id", id), zap.Error(failure))
}
