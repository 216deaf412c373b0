// Package api is the HTTP surface over the orchestrator, previews and queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/dunamismax/diptych/internal/batch"
	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/id"
	"github.com/dunamismax/diptych/internal/layout"
	"github.com/dunamismax/diptych/internal/queue"
	"github.com/dunamismax/diptych/internal/store"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type BatchService interface {
	Submit(ctx context.Context, req domain.BatchRequest) (*batch.Batch, error)
	Progress(ctx context.Context, id string) (batch.Snapshot, error)
	Finalize(ctx context.Context, id string) (batch.Finalized, error)
}

type PreviewService interface {
	Submit(ctx context.Context, req domain.PreviewRequest) (string, error)
	Status(id string) (batch.PreviewJob, error)
	Result(id string) ([]byte, error)
}

type Enqueuer interface {
	EnqueueGenerateBatch(ctx context.Context, payload queue.GenerateBatchPayload) (*asynq.TaskInfo, error)
}

// Options wires the server. Queue and Records are optional together: without
// them the enqueue route answers 503.
type Options struct {
	Batches      BatchService
	Previews     PreviewService
	Queue        Enqueuer
	Records      store.BatchStore
	RateLimiter  RateLimiter
	UserIDHeader string
	// Gatherers are exposed on /metrics next to the API's own registry.
	Gatherers prometheus.Gatherers
}

type Server struct {
	logger                *log.Logger
	batches               BatchService
	previews              PreviewService
	queueClient           Enqueuer
	records               store.BatchStore
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	gatherers             prometheus.Gatherers
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

func NewServer(logger *log.Logger, opts Options) (*Server, error) {
	if opts.Batches == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if opts.Previews == nil {
		return nil, fmt.Errorf("preview service is required")
	}
	if opts.Queue != nil && opts.Records == nil {
		return nil, fmt.Errorf("batch records are required to enqueue batches")
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = "X-User-ID"
	}

	m := newMetrics()
	s := &Server{
		logger:                logger,
		batches:               opts.Batches,
		previews:              opts.Previews,
		queueClient:           opts.Queue,
		records:               opts.Records,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		metrics:               m,
		gatherers:             append(prometheus.Gatherers{m.registry}, opts.Gatherers...),
		tracer:                otel.Tracer("diptych/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler(s.gatherers))
	s.mux.HandleFunc("GET /v1/presets", s.handlePresets)
	s.mux.HandleFunc("POST /v1/geometry", s.handleGeometry)

	s.mux.HandleFunc("POST /v1/batches", s.handleSubmitBatch)
	s.mux.HandleFunc("POST /v1/batches:enqueue", s.handleEnqueueBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleBatchProgress)
	s.mux.HandleFunc("POST /v1/batches/{id}/finalize", s.handleFinalizeBatch)

	s.mux.HandleFunc("POST /v1/previews", s.handleSubmitPreview)
	s.mux.HandleFunc("GET /v1/previews/{id}", s.handlePreviewStatus)
	s.mux.HandleFunc("GET /v1/previews/{id}/image", s.handlePreviewImage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request) {
	presets, err := layout.Presets()
	if err != nil {
		s.logger.Printf("load presets failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to load presets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": presets})
}

type geometryRequest struct {
	Config layout.Config `json:"config"`
	Preset string        `json:"preset,omitempty"`
	// DPI overrides Config.DPI, e.g. to inspect a preview resolution.
	DPI int `json:"dpi,omitempty"`
}

func (s *Server) handleGeometry(w http.ResponseWriter, r *http.Request) {
	var req geometryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Preset != "" {
		preset, ok := layout.LookupPreset(req.Preset)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset %q", req.Preset))
			return
		}
		req.Config = preset.Apply(req.Config)
	}

	cfg, err := layout.NewConfig(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dpi := cfg.DPI
	if req.DPI > 0 {
		dpi = req.DPI
	}
	geometry, err := layout.Resolve(cfg, dpi)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":   cfg,
		"dpi":      dpi,
		"geometry": geometry,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, layout.ErrInvalidGeometry):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrBatchRunning),
		errors.Is(err, batch.ErrPreviewPending),
		errors.Is(err, batch.ErrNothingToFinalize):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("%s failed err=%v", op, err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// pathID returns the {id} path value. Ids are only ever issued as uuids, so
// anything else is answered 404 without a lookup.
func pathID(w http.ResponseWriter, r *http.Request, kind string) (string, bool) {
	value := r.PathValue("id")
	if !id.Valid(value) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return "", false
	}
	return value, true
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
