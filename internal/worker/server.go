package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/diptych/internal/batch"
	"github.com/dunamismax/diptych/internal/config"
	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/queue"
	"github.com/dunamismax/diptych/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	batches       batchRunner
	webhookClient webhookSender
	metrics       *metrics
	gatherers     prometheus.Gatherers
	tracer        trace.Tracer
}

type batchRunner interface {
	SubmitAs(ctx context.Context, batchID string, req domain.BatchRequest) (*batch.Batch, error)
	Get(id string) (*batch.Batch, bool)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// NewServer builds the asynq consumer. batchMetrics is exposed next to the
// worker's own collectors on the metrics endpoint.
func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	orchestrator *batch.Orchestrator,
	webhookClient *webhook.Client,
	batchMetrics *batch.Metrics,
) (*Server, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	s := newServer(logger, workerCfg, orchestrator, batchMetrics)
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
			}),
		},
	)
	return s, nil
}

func newServer(logger *log.Logger, workerCfg config.WorkerConfig, runner batchRunner, batchMetrics *batch.Metrics) *Server {
	m := newMetrics()
	gatherers := prometheus.Gatherers{m.registry}
	if batchMetrics != nil {
		gatherers = append(gatherers, batchMetrics.Gatherer())
	}
	return &Server{
		logger:    logger,
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveBatches)),
		batches:   runner,
		metrics:   m,
		gatherers: gatherers,
		tracer:    otel.Tracer("diptych/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateBatch, s.handleGenerate)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler(s.gatherers)
}

func (s *Server) handleGenerate(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.BatchStatusFailed

	payload, err := queue.ParseGenerateBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.generate_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.Int("batch.jobs", len(payload.Request.Jobs)),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeBatches.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeBatches.Dec()
	}()

	b, redelivered := s.finishedBatch(payload.BatchID)
	if redelivered {
		// Only the webhook failed last time; the outputs stay where they are.
		s.logger.Printf("Redelivering webhook batch_id=%s", payload.BatchID)
		span.SetAttributes(attribute.Bool("batch.redelivered", true))
	} else {
		s.logger.Printf("Working... batch_id=%s jobs=%d zip=%t", payload.BatchID, len(payload.Request.Jobs), payload.Request.Zip)
		b, err = s.batches.SubmitAs(ctx, payload.BatchID, payload.Request)
	}
	if errors.Is(err, batch.ErrBatchRunning) {
		// A previous delivery of this task is still running the batch.
		if running, ok := s.batches.Get(payload.BatchID); ok {
			b, err = running, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		s.dispatchWebhook(ctx, payload.BatchID, payload.Request.WebhookURL, webhook.EventBatchFailed, map[string]any{
			"batch_id":     payload.BatchID,
			"status":       domain.BatchStatusFailed,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		return fmt.Errorf("submit batch: %v: %w", err, asynq.SkipRetry)
	}

	select {
	case <-b.Done():
	case <-ctx.Done():
		// The batch keeps running; a retry of this task finds it by id.
		span.SetStatus(codes.Error, "task deadline")
		return fmt.Errorf("wait for batch %s: %w", payload.BatchID, ctx.Err())
	}

	snap := b.Snapshot()
	if !redelivered {
		s.logger.Printf(
			"Finished batch_id=%s state=%s processed=%d failed=%d cache_hits=%d",
			snap.ID, snap.State, snap.Processed, snap.Failed, snap.CacheHits,
		)
		s.metrics.diptychsTotal.Add(float64(snap.Processed))
	}

	event := webhook.EventBatchCompleted
	if snap.State == domain.BatchStatusFailed {
		event = webhook.EventBatchFailed
	}
	body := map[string]any{
		"batch_id":     snap.ID,
		"status":       snap.State,
		"processed":    snap.Processed,
		"failed":       snap.Failed,
		"total":        snap.Total,
		"final_paths":  snap.FinalPaths,
		"output_dir":   snap.OutputDir,
		"requested_at": payload.RequestedAt,
		"finished_at":  snap.UpdatedAt,
	}
	if snap.Error != "" {
		body["error"] = snap.Error
	}
	webhookErr := s.dispatchWebhook(ctx, snap.ID, b.WebhookURL(), event, body)

	if snap.State == domain.BatchStatusFailed {
		span.SetStatus(codes.Error, "batch failed")
		return fmt.Errorf("batch %s: %v: %w", snap.ID, b.Err(), asynq.SkipRetry)
	}
	outcome = snap.State
	if webhookErr != nil {
		span.RecordError(webhookErr)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return webhookErr
	}
	span.SetStatus(codes.Ok, "generated")
	return nil
}

// finishedBatch returns the batch when this process already ran it to a
// terminal state.
func (s *Server) finishedBatch(batchID string) (*batch.Batch, bool) {
	b, ok := s.batches.Get(batchID)
	if !ok || !b.Snapshot().Terminal() {
		return nil, false
	}
	return b, true
}

func (s *Server) dispatchWebhook(ctx context.Context, batchID, endpoint, event string, body map[string]any) error {
	if endpoint == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, endpoint, event, body); err != nil {
		s.logger.Printf("webhook delivery failed batch_id=%s event=%s err=%v", batchID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
