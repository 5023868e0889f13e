// Package repository holds the score record and summary stores.
package repository

import (
	"context"
	"time"

	"github.com/okian/stepscore/internal/domain/model"
)

// ScoreStore holds one row per (user, chart) best result. Rows are never
// updated in place; removal goes through the Expiring state first.
type ScoreStore interface {
	// ListByUserAndChart returns the active records of userID for chart.
	ListByUserAndChart(ctx context.Context, userID string, chart model.ChartKey) ([]model.ScoreRecord, error)
	// ListActiveByUser returns every active record of userID.
	ListActiveByUser(ctx context.Context, userID string) ([]model.ScoreRecord, error)
	// BatchWrite inserts create with store-assigned ids and moves every
	// softDelete target to Expiring. It fails with ErrConflict when a created
	// record would leave two active records for one (user, chart), and with
	// ErrNotFound when a soft-delete target does not exist. The created and
	// newly expiring rows are published as one ChangeBatch.
	BatchWrite(ctx context.Context, create []model.ScoreRecord, softDelete []model.SoftDelete) ([]model.ScoreRecord, error)
	// ScanActive calls fn for every active record ordered by id.
	ScanActive(ctx context.Context, fn func(model.ScoreRecord) error) error
	// PurgeExpired erases expiring records whose expiry is not after now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// CountActive returns the number of active records.
	CountActive(ctx context.Context) (int, error)
}

// SummaryStore holds the derived histograms and radar vectors. Rows are never
// deleted.
type SummaryStore interface {
	ListBucketsForUser(ctx context.Context, userID string) ([]model.HistogramBucket, error)
	ListAllBuckets(ctx context.Context) ([]model.HistogramBucket, error)
	// UpsertBucket inserts b when b.ID is empty and otherwise writes it only
	// if the stored version equals b.Version. The saved row is returned.
	UpsertBucket(ctx context.Context, b model.HistogramBucket) (model.HistogramBucket, error)
	// ReplaceBuckets writes every row last-write-wins. A row without id
	// takes over the stored row with the same key, if any.
	ReplaceBuckets(ctx context.Context, buckets []model.HistogramBucket) error
	UpsertRadar(ctx context.Context, v model.GrooveRadarVector) error
	ListRadar(ctx context.Context, userID string) ([]model.GrooveRadarVector, error)
}

// Store is a score store and a summary store backed by the same storage.
type Store interface {
	ScoreStore
	SummaryStore
	Close() error
}

// ChangeSink receives the change batches produced by BatchWrite. Publish
// must not block; it reports false when the batch was not accepted.
type ChangeSink interface {
	Publish(ctx context.Context, batch model.ChangeBatch) bool
}
