package service

import (
	"context"
	"time"

	"github.com/okian/stepscore/internal/adapters/repository"
	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/pkg/logger"
)

// StoreOpener opens the backing store with the service's change sink and
// logger applied.
type StoreOpener func(ctx context.Context, opts ...repository.Option) (repository.Store, error)

// MemoryStore opens an in-memory store.
func MemoryStore(_ context.Context, opts ...repository.Option) (repository.Store, error) {
	return repository.NewMemoryStore(opts...), nil
}

// SQLiteStore returns an opener for the SQLite database at path.
func SQLiteStore(path string) StoreOpener {
	return func(ctx context.Context, opts ...repository.Option) (repository.Store, error) {
		return repository.OpenSQLite(ctx, path, opts...)
	}
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets how the backing store is opened.
func WithStore(open StoreOpener) Option {
	return func(s *Service) {
		if open != nil {
			s.openStore = open
		}
	}
}

// WithCatalog sets the chart catalog.
func WithCatalog(c *chart.Catalog) Option {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithWorkerCount sets the number of aggregation workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the change queue capacity.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the dedupe window. Zero disables dedupe.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size >= 0 {
			s.dedupeSize = size
		}
	}
}

// WithGroupConcurrency caps per-user groups aggregated in parallel.
func WithGroupConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.groupConcurrency = n
		}
	}
}

// WithConflictRetries caps optimistic write attempts.
func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.conflictRetries = n
		}
	}
}

// WithSoftDeleteTTL sets the ttl applied to superseded records.
func WithSoftDeleteTTL(seconds int) Option {
	return func(s *Service) {
		if seconds > 0 {
			s.softDeleteTTL = seconds
		}
	}
}

// WithReconcileInterval schedules reconciliation. Zero disables it.
func WithReconcileInterval(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.reconcileInterval = d
		}
	}
}

// WithReconcileOnStart runs one reconciliation during Start.
func WithReconcileOnStart(on bool) Option {
	return func(s *Service) { s.reconcileOnStart = on }
}

// WithPurgeInterval schedules the expired-record purge. Zero disables it.
func WithPurgeInterval(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.purgeInterval = d
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
