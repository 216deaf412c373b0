// Package store persists batch records so progress outlives the process that
// rendered the batch.
package store

import (
	"context"

	"github.com/dunamismax/diptych/internal/domain"
)

// BatchStore saves batch summaries. Save is an upsert keyed by record ID.
type BatchStore interface {
	Save(ctx context.Context, rec domain.BatchRecord) error
	Get(ctx context.Context, id string) (domain.BatchRecord, bool, error)
}
