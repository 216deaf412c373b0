package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/id"
	"github.com/dunamismax/diptych/internal/layout"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPreviewMaxDPI caps preview resolution.
	DefaultPreviewMaxDPI = 150
	// DefaultPreviewConcurrency bounds simultaneous preview renders.
	DefaultPreviewConcurrency = 2
)

// PreviewDPI is the resolution a preview renders at: the job's DPI, capped.
func PreviewDPI(jobDPI, maxDPI int) int {
	if maxDPI <= 0 {
		return jobDPI
	}
	return min(jobDPI, maxDPI)
}

// PreviewJob is the state of one asynchronous preview. It moves from pending
// to done or error exactly once.
type PreviewJob struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	DPI       int       `json:"dpi"`
	Error     string    `json:"error,omitempty"`
	Result    []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type previewEntry struct {
	job  PreviewJob
	done chan struct{}
}

// Previews renders single diptychs off the request path. Finished previews
// are kept until the process exits.
type Previews struct {
	logger   *log.Logger
	renderer Renderer
	maxDPI   int
	sem      chan struct{}
	metrics  *Metrics
	tracer   trace.Tracer

	mu   sync.RWMutex
	jobs map[string]*previewEntry
}

func NewPreviews(logger *log.Logger, renderer Renderer, maxDPI, concurrency int, metrics *Metrics) *Previews {
	if maxDPI <= 0 {
		maxDPI = DefaultPreviewMaxDPI
	}
	if concurrency <= 0 {
		concurrency = DefaultPreviewConcurrency
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Previews{
		logger:   logger,
		renderer: renderer,
		maxDPI:   maxDPI,
		sem:      make(chan struct{}, concurrency),
		metrics:  metrics,
		tracer:   otel.Tracer("diptych/preview"),
		jobs:     make(map[string]*previewEntry),
	}
}

// Submit validates the request and starts rendering. Invalid layouts are
// rejected here, before a handle is issued.
func (p *Previews) Submit(ctx context.Context, req domain.PreviewRequest) (string, error) {
	job, err := req.Diptych.Normalize()
	if err != nil {
		return "", err
	}
	dpi := PreviewDPI(job.Config.DPI, p.maxDPI)
	if _, err := layout.Resolve(job.Config, dpi); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	entry := &previewEntry{
		job: PreviewJob{
			ID:        id.New(),
			Status:    domain.PreviewStatusPending,
			DPI:       dpi,
			CreatedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}

	p.mu.Lock()
	p.jobs[entry.job.ID] = entry
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx), entry, job, dpi)
	return entry.job.ID, nil
}

func (p *Previews) run(ctx context.Context, entry *previewEntry, job domain.DiptychJob, dpi int) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	ctx, span := p.tracer.Start(ctx, "preview.render")
	span.SetAttributes(
		attribute.String("preview.id", entry.job.ID),
		attribute.Int("preview.dpi", dpi),
	)
	defer span.End()

	startedAt := time.Now()
	rendered, err := p.renderer.Render(ctx, job, dpi)
	p.metrics.previewDuration.Observe(time.Since(startedAt).Seconds())

	p.mu.Lock()
	entry.job.UpdatedAt = time.Now().UTC()
	if err != nil {
		entry.job.Status = domain.PreviewStatusError
		entry.job.Error = err.Error()
	} else {
		entry.job.Status = domain.PreviewStatusDone
		entry.job.Result = rendered.Data
	}
	status := entry.job.Status
	p.mu.Unlock()
	close(entry.done)

	p.metrics.previewsTotal.WithLabelValues(status).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "preview failed")
		p.logger.Printf("preview failed preview_id=%s err=%v", entry.job.ID, err)
		return
	}
	span.SetStatus(codes.Ok, "preview rendered")
}

// Status returns the preview state without its bytes.
func (p *Previews) Status(id string) (PreviewJob, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.jobs[id]
	if !ok {
		return PreviewJob{}, fmt.Errorf("preview %s: %w", id, ErrNotFound)
	}
	job := entry.job
	job.Result = nil
	return job, nil
}

// Result returns the encoded preview once it is done.
func (p *Previews) Result(id string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.jobs[id]
	if !ok {
		return nil, fmt.Errorf("preview %s: %w", id, ErrNotFound)
	}
	switch entry.job.Status {
	case domain.PreviewStatusPending:
		return nil, fmt.Errorf("preview %s: %w", id, ErrPreviewPending)
	case domain.PreviewStatusError:
		return nil, fmt.Errorf("preview %s failed: %s", id, entry.job.Error)
	}
	return entry.job.Result, nil
}

// Wait blocks until the preview leaves pending or ctx ends.
func (p *Previews) Wait(ctx context.Context, id string) (PreviewJob, error) {
	p.mu.RLock()
	entry, ok := p.jobs[id]
	p.mu.RUnlock()
	if !ok {
		return PreviewJob{}, fmt.Errorf("preview %s: %w", id, ErrNotFound)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return PreviewJob{}, ctx.Err()
	}
	return p.Status(id)
}
