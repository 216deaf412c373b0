// Package app assembles the render stack every binary shares: renderer,
// cache, batch records, orchestrator and previews.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dunamismax/diptych/internal/batch"
	"github.com/dunamismax/diptych/internal/cache"
	"github.com/dunamismax/diptych/internal/config"
	"github.com/dunamismax/diptych/internal/pipeline"
	"github.com/dunamismax/diptych/internal/storage"
	"github.com/dunamismax/diptych/internal/store"
)

type Render struct {
	Orchestrator *batch.Orchestrator
	Previews     *batch.Previews
	Metrics      *batch.Metrics
	Records      store.BatchStore
	Cache        cache.Store

	closers []func() error
}

// NewRender starts the image runtime and builds the render stack from cfg.
// Close releases everything it opened.
func NewRender(ctx context.Context, logger *log.Logger, cfg config.Config) (*Render, error) {
	if err := pipeline.Startup(); err != nil {
		return nil, fmt.Errorf("start image runtime: %w", err)
	}
	r := &Render{Metrics: batch.NewMetrics()}
	r.closers = append(r.closers, func() error {
		pipeline.Shutdown()
		return nil
	})

	renders, err := newCache(ctx, logger, cfg)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.Cache = renders

	records, closeRecords, err := newRecords(ctx, cfg.Database)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.Records = records
	if closeRecords != nil {
		r.closers = append(r.closers, closeRecords)
	}

	processor := pipeline.NewProcessor()
	r.Orchestrator, err = batch.NewOrchestrator(
		logger,
		batch.Config{
			OutputRoot:       cfg.Render.OutputRoot,
			Workers:          cfg.Render.Workers,
			ProgressInterval: cfg.Render.ProgressInterval,
		},
		processor,
		renders,
		records,
		r.Metrics,
	)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("initialize orchestrator: %w", err)
	}
	r.Previews = batch.NewPreviews(logger, processor, cfg.Render.PreviewMaxDPI, cfg.Render.PreviewConcurrency, r.Metrics)

	logger.Printf(
		"render stack ready output_root=%s workers=%d cache=%s records=%s preview_max_dpi=%d",
		r.Orchestrator.OutputRoot(), cfg.Render.Workers, cfg.Render.CacheBackend, cfg.Database.Records, cfg.Render.PreviewMaxDPI,
	)
	return r, nil
}

// Close releases resources in reverse order of acquisition.
func (r *Render) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func newCache(ctx context.Context, logger *log.Logger, cfg config.Config) (cache.Store, error) {
	switch cfg.Render.CacheBackend {
	case config.CacheBackendNone:
		return nil, nil
	case config.CacheBackendDir, "":
		s, err := cache.NewDirStore(cfg.Render.CacheDir, cfg.Render.CacheReset)
		if err != nil {
			return nil, err
		}
		logger.Printf("render cache dir=%s reset=%t", s.Dir(), cfg.Render.CacheReset)
		return s, nil
	case config.CacheBackendObject:
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize object storage: %w", err)
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		s, err := cache.NewObjectStore(ctx, client, cfg.Storage.CachePrefix, cfg.Render.CacheReset)
		if err != nil {
			return nil, err
		}
		logger.Printf("render cache bucket=%s prefix=%s reset=%t", client.Bucket(), cfg.Storage.CachePrefix, cfg.Render.CacheReset)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Render.CacheBackend)
	}
}

func newRecords(ctx context.Context, cfg config.DatabaseConfig) (store.BatchStore, func() error, error) {
	switch cfg.Records {
	case config.RecordsMemory, "":
		return store.NewMemoryBatchStore(), nil, nil
	case config.RecordsPostgres:
		pg, err := store.NewPostgresBatchStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize batch records: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported batch record store: %s", cfg.Records)
	}
}
