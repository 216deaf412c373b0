package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dunamismax/diptych/internal/cache"
	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/id"
	"github.com/dunamismax/diptych/internal/layout"
	"github.com/dunamismax/diptych/internal/pipeline"
	"github.com/dunamismax/diptych/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultWorkers          = 4
	DefaultProgressInterval = 500 * time.Millisecond
)

// Renderer turns one job into encoded output bytes at dpi.
type Renderer interface {
	Render(ctx context.Context, job domain.DiptychJob, dpi int) (pipeline.Rendered, error)
}

type Config struct {
	// OutputRoot holds one timestamp-named directory per batch.
	OutputRoot string
	Workers    int
	// ProgressInterval spaces out record writes for successful jobs. Failures
	// are written immediately.
	ProgressInterval time.Duration
}

type Orchestrator struct {
	logger   *log.Logger
	cfg      Config
	renderer Renderer
	renders  cache.Store
	records  store.BatchStore
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.RWMutex
	batches map[string]*Batch
	running sync.WaitGroup
}

// NewOrchestrator wires the worker pool. renders and records may be nil to run
// without a cache or without persisted batch records.
func NewOrchestrator(
	logger *log.Logger,
	cfg Config,
	renderer Renderer,
	renders cache.Store,
	records store.BatchStore,
	metrics *Metrics,
) (*Orchestrator, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.OutputRoot == "" {
		return nil, fmt.Errorf("output root is required")
	}
	root, err := filepath.Abs(cfg.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	cfg.OutputRoot = root
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		renderer: renderer,
		renders:  renders,
		records:  records,
		metrics:  metrics,
		tracer:   otel.Tracer("diptych/batch"),
		now:      func() time.Time { return time.Now().UTC() },
		batches:  make(map[string]*Batch),
	}, nil
}

func (o *Orchestrator) OutputRoot() string {
	return o.cfg.OutputRoot
}

// Submit validates, orders and starts a batch under a fresh handle. It returns
// as soon as the batch is dispatched.
func (o *Orchestrator) Submit(ctx context.Context, req domain.BatchRequest) (*Batch, error) {
	return o.SubmitAs(ctx, id.New(), req)
}

// SubmitAs is Submit with a caller-chosen handle, used when the handle was
// issued before the batch reached this process. A finished batch with the same
// handle is replaced; a running one is refused.
func (o *Orchestrator) SubmitAs(ctx context.Context, batchID string, req domain.BatchRequest) (*Batch, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	for i, job := range req.Jobs {
		if _, err := layout.Resolve(job.Config, job.Config.DPI); err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
	}
	req.Jobs = Reorder(req.Jobs, req.Order)

	o.mu.Lock()
	if existing, ok := o.batches[batchID]; ok && !existing.Snapshot().Terminal() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBatchRunning, batchID)
	}
	outputDir, err := o.allocateOutputDir()
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	b := newBatch(batchID, req, outputDir, o.now())
	o.batches[batchID] = b
	o.running.Add(1)
	o.mu.Unlock()

	o.saveRecord(ctx, b.Snapshot())
	o.logger.Printf("batch submitted batch_id=%s jobs=%d workers=%d output_dir=%s zip=%t", b.id, len(b.jobs), o.cfg.Workers, outputDir, b.zip)

	go o.run(context.WithoutCancel(ctx), b)
	return b, nil
}

// Get returns the live batch for id.
func (o *Orchestrator) Get(id string) (*Batch, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.batches[id]
	return b, ok
}

// Progress returns the batch snapshot. Batches run by another process are read
// from the record store when one is configured.
func (o *Orchestrator) Progress(ctx context.Context, id string) (Snapshot, error) {
	if b, ok := o.Get(id); ok {
		return b.Snapshot(), nil
	}
	if o.records != nil {
		rec, ok, err := o.records.Get(ctx, id)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load batch %s: %w", id, err)
		}
		if ok {
			return snapshotFromRecord(rec), nil
		}
	}
	return Snapshot{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
}

// Wait blocks until the batch finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Snapshot, error) {
	b, ok := o.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	select {
	case <-b.Done():
		return b.Snapshot(), nil
	case <-ctx.Done():
		return b.Snapshot(), ctx.Err()
	}
}

// Drain blocks until every dispatched batch has finished.
func (o *Orchestrator) Drain() {
	o.running.Wait()
}

func (o *Orchestrator) run(ctx context.Context, b *Batch) {
	defer o.running.Done()

	ctx, span := o.tracer.Start(ctx, "batch.run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("batch.id", b.id),
		attribute.Int("batch.jobs", len(b.jobs)),
	)
	defer span.End()

	startedAt := time.Now()
	b.start(o.now())
	o.metrics.activeBatches.Inc()
	o.saveRecord(ctx, b.Snapshot())

	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(o.cfg.Workers, len(b.jobs)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				o.runJob(ctx, b, i)
			}
		}()
	}
	for i := range b.jobs {
		indices <- i
	}
	close(indices)
	wg.Wait()

	snap := b.finish(o.now())
	o.metrics.activeBatches.Dec()
	o.metrics.batchesTotal.WithLabelValues(snap.State).Inc()
	o.saveRecord(ctx, snap)

	if snap.Error != "" {
		span.RecordError(b.Err())
	}
	if snap.State == domain.BatchStatusFailed {
		span.SetStatus(codes.Error, "no diptych rendered")
	} else {
		span.SetStatus(codes.Ok, "batch finished")
	}
	o.logger.Printf(
		"batch finished batch_id=%s state=%s processed=%d failed=%d cache_hits=%d duration=%s",
		snap.ID, snap.State, snap.Processed, snap.Failed, snap.CacheHits, time.Since(startedAt).Round(time.Millisecond),
	)
}

// runJob produces output i. No batch lock is held while rendering or writing.
func (o *Orchestrator) runJob(ctx context.Context, b *Batch, index int) {
	job := b.jobs[index]
	startedAt := time.Now()
	outcome := "failed"
	defer func() {
		o.metrics.jobsTotal.WithLabelValues(outcome).Inc()
		o.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	}()

	ctx, span := o.tracer.Start(ctx, "batch.render_job")
	span.SetAttributes(
		attribute.String("batch.id", b.id),
		attribute.Int("job.index", index),
	)
	defer span.End()

	outputPath := filepath.Join(b.outputDir, OutputName(index))
	cacheHit, err := o.produce(ctx, job, outputPath)
	if err != nil {
		jobErr := &JobError{Index: index, Pair: job.Key(), Err: err}
		b.recordFailure(jobErr, o.now())
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		o.logger.Printf("job failed batch_id=%s index=%d err=%v", b.id, index+1, err)
		o.saveProgress(ctx, b, true)
		return
	}

	if cacheHit {
		outcome = "cached"
	} else {
		outcome = "rendered"
	}
	span.SetAttributes(attribute.Bool("job.cache_hit", cacheHit))
	b.recordSuccess(index, outputPath, cacheHit, o.now())
	o.saveProgress(ctx, b, false)
}

// produce writes the output for job, from the cache when possible.
func (o *Orchestrator) produce(ctx context.Context, job domain.DiptychJob, outputPath string) (bool, error) {
	var key cache.Key
	if o.renders != nil {
		k, err := cache.KeyFor(job)
		if err != nil {
			o.logger.Printf("cache key failed path=%s err=%v", outputPath, err)
		} else {
			key = k
			data, ok, err := o.renders.Get(ctx, key)
			if err != nil {
				o.logger.Printf("cache read failed key=%s err=%v", key, err)
			} else if ok {
				if err := writeOutput(outputPath, data); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}

	rendered, err := o.renderer.Render(ctx, job, job.Config.DPI)
	if err != nil {
		return false, err
	}
	if err := writeOutput(outputPath, rendered.Data); err != nil {
		return false, err
	}

	if key != "" {
		if err := o.renders.Put(ctx, key, rendered.Data); err != nil {
			o.metrics.cacheWriteFailures.Inc()
			if !errors.Is(err, cache.ErrCacheWrite) {
				err = fmt.Errorf("%w: %v", cache.ErrCacheWrite, err)
			}
			o.logger.Printf("cache write skipped key=%s err=%v", key, err)
		}
	}
	return false, nil
}

func (o *Orchestrator) saveRecord(ctx context.Context, snap Snapshot) {
	if o.records == nil {
		return
	}
	if err := o.records.Save(ctx, recordFromSnapshot(snap)); err != nil {
		o.logger.Printf("batch record save failed batch_id=%s state=%s err=%v", snap.ID, snap.State, err)
	}
}

// saveProgress persists a running batch so other processes can poll it. The
// snapshot is taken under saveMu so a slower writer never rolls the record
// back.
func (o *Orchestrator) saveProgress(ctx context.Context, b *Batch, force bool) {
	if o.records == nil {
		return
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	now := time.Now()
	if !force && now.Sub(b.savedAt) < o.cfg.ProgressInterval {
		return
	}
	b.savedAt = now
	o.saveRecord(ctx, b.Snapshot())
}

func writeOutput(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	return nil
}
