package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/cache"
	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/middleware"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/report"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

const (
	defaultReplayLimit = 500
	maxReplayLimit     = 5000
	maxBodyBytes       = 1 << 20
)

// Ingester accepts events.
type Ingester interface {
	Ingest(ctx context.Context, in models.EventInput) (models.IngestResult, error)
}

// MetricsReader serves metrics reads, normally the cache.
type MetricsReader interface {
	Get(ctx context.Context, metric string, q models.MetricsQuery) (models.MetricsResponse, error)
}

// Reports submits and tracks report jobs.
type Reports interface {
	GenerateBatch(ctx context.Context, req models.ReportRequest, formats []models.ReportFormat) ([]*models.ReportJob, error)
	Job(id string) (*models.ReportJob, error)
	Cancel(id string) error
	Artifact(id string) (string, models.ReportFormat, error)
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger

	Ingest  Ingester
	Events  storage.EventLog
	Reads   MetricsReader
	Reports Reports

	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error

	// RateLimit overrides the limiter built from Config, so callers can run its cleanup.
	RateLimit *middleware.RateLimitMiddleware
}

// Server maps the HTTP boundary onto the engine components. It holds no
// business logic.
type Server struct {
	ingest  Ingester
	events  storage.EventLog
	reads   MetricsReader
	reports Reports
	ready   func(ctx context.Context) error
	logger  *zap.Logger
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		ingest:  deps.Ingest,
		events:  deps.Events,
		reads:   deps.Reads,
		reports: deps.Reports,
		ready:   deps.Ready,
		logger:  deps.Logger,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config != nil && deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/reports", s.handleReports)
	mux.HandleFunc("/v1/reports/", s.handleReportByID)
	mux.HandleFunc("/v1/replay", s.handleReplay)

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.NewRecoveryMiddleware(deps.Logger).Handler,
		middleware.NewLoggingMiddleware(deps.Logger).Handler,
	}
	rl := deps.RateLimit
	if rl == nil && deps.Config != nil {
		rl = middleware.NewRateLimitMiddleware(deps.Config.RateLimit, deps.Logger)
	}
	if rl != nil {
		mws = append(mws, rl.Handler)
	}
	return middleware.Chain(mux, mws...)
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			s.errorResponse(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// ---- Ingestion ----

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in models.EventInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.ingest.Ingest(r.Context(), in)
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		s.jsonStatus(w, http.StatusBadRequest, res)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, "ingestion throttled", http.StatusServiceUnavailable)
	case err != nil:
		s.logger.Error("ingest failed", zap.String("campaign_id", in.CampaignID), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	case res.Status == models.IngestAccepted:
		s.jsonStatus(w, http.StatusAccepted, res)
	default:
		s.jsonStatus(w, http.StatusOK, res)
	}
}

// ---- Metrics Reads ----

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		metric = models.MetricSnapshot
	}
	switch metric {
	case models.MetricSnapshot, models.MetricROI, models.MetricTTFV, models.MetricCompletionRate:
	default:
		s.errorResponse(w, "unknown metric "+metric, http.StatusBadRequest)
		return
	}

	query, err := parseMetricsQuery(q)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.reads.Get(r.Context(), metric, query)
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		s.errorResponse(w, verr.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, models.ErrNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, cache.ErrRecomputeTimeout):
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Error("metrics read failed", zap.String("campaign_id", query.CampaignID), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	if resp.Stale {
		w.Header().Set("Warning", `110 - "`+models.ErrStaleCacheServed.Error()+`"`)
	}
	s.jsonResponse(w, resp)
}

func parseMetricsQuery(q map[string][]string) (models.MetricsQuery, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	out := models.MetricsQuery{
		CampaignID:  get("campaign_id"),
		ModelID:     models.ModelID(get("model_id")),
		Granularity: models.Granularity(get("granularity")),
	}
	if out.CampaignID == "" {
		return out, errors.New("campaign_id is required")
	}
	if out.Granularity == "" {
		out.Granularity = models.GranularityDay
	}

	var err error
	if out.From, err = parseTime(get("from")); err != nil {
		return out, errors.New("from: " + err.Error())
	}
	if out.To, err = parseTime(get("to")); err != nil {
		return out, errors.New("to: " + err.Error())
	}
	if v := get("include_late"); v != "" {
		if out.IncludeLate, err = strconv.ParseBool(v); err != nil {
			return out, errors.New("include_late must be a boolean")
		}
	}
	if v := get("version"); v != "" {
		if out.Version, err = strconv.ParseInt(v, 10, 64); err != nil || out.Version < 0 {
			return out, errors.New("version must be a non-negative integer")
		}
		out.Pinned = true
	}
	return out, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// ---- Reports ----

type reportSubmission struct {
	models.ReportRequest
	Formats []models.ReportFormat `json:"formats,omitempty"`
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sub reportSubmission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	formats := sub.Formats
	if len(formats) == 0 {
		formats = []models.ReportFormat{sub.Format}
	}

	jobs, err := s.reports.GenerateBatch(r.Context(), sub.ReportRequest, formats)
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		s.errorResponse(w, verr.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("report submission failed", zap.String("campaign_id", sub.CampaignID), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	if len(sub.Formats) == 0 {
		s.jsonStatus(w, http.StatusAccepted, jobs[0])
		return
	}
	s.jsonStatus(w, http.StatusAccepted, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleReportByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/reports/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case sub == "artifact" && r.Method == http.MethodGet:
		s.serveArtifact(w, r, id)
	case sub != "":
		http.NotFound(w, r)
	case r.Method == http.MethodGet:
		job, err := s.reports.Job(id)
		if err != nil {
			s.notFoundOr500(w, err)
			return
		}
		s.jsonResponse(w, job)
	case r.Method == http.MethodDelete:
		if err := s.reports.Cancel(id); err != nil {
			s.notFoundOr500(w, err)
			return
		}
		job, _ := s.reports.Job(id)
		s.jsonResponse(w, job)
	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

var contentTypes = map[models.ReportFormat]string{
	models.FormatJSON:     "application/json",
	models.FormatCSV:      "text/csv; charset=utf-8",
	models.FormatMarkdown: "text/markdown; charset=utf-8",
	models.FormatHTML:     "text/html; charset=utf-8",
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, id string) {
	path, format, err := s.reports.Artifact(id)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[format])
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+"."+format.Extension()+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, report.ErrJobFinished):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("report request failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

// ---- Replay ----

type replayPage struct {
	CampaignID string         `json:"campaign_id"`
	Events     []models.Event `json:"events"`
	NextSeq    int64          `json:"next_seq"`
	Head       int64          `json:"head"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	campaignID := q.Get("campaign_id")
	if campaignID == "" {
		s.errorResponse(w, "campaign_id is required", http.StatusBadRequest)
		return
	}
	since := int64(1)
	if v := q.Get("since_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			s.errorResponse(w, "since_seq must be a positive integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	limit := defaultReplayLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxReplayLimit)
	}

	cur, err := s.events.Replay(r.Context(), campaignID, since)
	if err != nil {
		s.logger.Error("replay failed", zap.String("campaign_id", campaignID), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	page := replayPage{CampaignID: campaignID, Events: []models.Event{}, NextSeq: since, Head: cur.Head()}
	for len(page.Events) < limit && cur.Next(r.Context()) {
		page.Events = append(page.Events, cur.Value())
		page.NextSeq = cur.Seq() + 1
	}
	if err := cur.Err(); err != nil {
		s.logger.Error("replay failed", zap.String("campaign_id", campaignID), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, page)
}

// ---- Helpers ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
