// Package service wires the score write path, the change queue, the
// aggregation workers and the reconciliation job into one runnable unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/stepscore/internal/adapters/mq/queue"
	"github.com/okian/stepscore/internal/adapters/mq/worker"
	"github.com/okian/stepscore/internal/adapters/repository"
	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/dedupe"
	"github.com/okian/stepscore/internal/domain/merge"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/radar"
	"github.com/okian/stepscore/internal/domain/summary"
	"github.com/okian/stepscore/pkg/logger"
	"github.com/okian/stepscore/pkg/metrics"
)

const (
	chartLockStripes = 64
	stopTimeout      = 30 * time.Second
)

// UserSummary is the derived statistics of one user.
type UserSummary struct {
	UserID  string
	Radars  []model.GrooveRadarVector
	Buckets []model.HistogramBucket
}

// Service implements the dependencies required by the HTTP API.
type Service struct {
	mu sync.RWMutex

	// Core components
	openStore  StoreOpener
	store      repository.Store
	catalog    *chart.Catalog
	policy     *merge.Policy
	queue      *queue.InMemoryQueue
	pool       *worker.Pool
	aggregator *summary.Aggregator
	reconciler *summary.Reconciler
	deduper    dedupe.Deduper
	tracker    *tracker

	// Configuration
	workerCount       int
	queueSize         int
	dedupeSize        int
	groupConcurrency  int
	conflictRetries   int
	softDeleteTTL     int
	reconcileInterval time.Duration
	reconcileOnStart  bool
	purgeInterval     time.Duration

	// Submissions touching one chart are serialised so the merge reads a
	// stable set of active records for every owner.
	chartLocks [chartLockStripes]sync.Mutex
	reconcile  singleflight.Group

	// State
	started   bool
	cancel    context.CancelFunc
	stopLoops context.CancelFunc
	loops     sync.WaitGroup

	now    func() time.Time
	logger logger.Logger
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		openStore:         MemoryStore,
		workerCount:       4,
		queueSize:         10_000,
		dedupeSize:        50_000,
		groupConcurrency:  8,
		conflictRetries:   3,
		softDeleteTTL:     merge.DefaultSoftDeleteTTL,
		reconcileInterval: 24 * time.Hour,
		purgeInterval:     5 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		s.catalog, _ = chart.NewCatalog()
	}
	return s
}

// Start opens the store and starts the workers and the scheduled jobs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.tracker = &tracker{sink: s.queue}
	store, err := s.openStore(ctx,
		repository.WithChangeSink(s.tracker),
		repository.WithClock(s.now),
		repository.WithLogger(logger.Get().Named("repository")),
	)
	if err != nil {
		_ = s.queue.Close()
		return fmt.Errorf("open store: %w", err)
	}
	s.store = store
	s.policy = merge.NewPolicy(merge.WithSoftDeleteTTL(s.softDeleteTTL))

	aggOpts := []summary.Option{
		summary.WithConflictRetries(s.conflictRetries),
		summary.WithGroupConcurrency(s.groupConcurrency),
		summary.WithClock(s.now),
	}
	if s.dedupeSize > 0 {
		s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
		aggOpts = append(aggOpts, summary.WithDeduper(s.deduper))
	}
	gen := radar.NewMaxGenerator(store, radar.WithClock(s.now))
	s.aggregator = summary.NewAggregator(store, gen, aggOpts...)
	s.reconciler = summary.NewReconciler(store, store,
		summary.WithCatalog(s.catalog),
		summary.WithReconcileClock(s.now),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.tracker.proc = s.aggregator
	s.pool = worker.NewPool(s.workerCount, s.queue, s.tracker)
	s.pool.Start(runCtx)

	if s.reconcileOnStart {
		if _, err := s.runReconcile(ctx); err != nil {
			s.logger.Error(ctx, "startup reconciliation failed", logger.Error(err))
		}
	}
	s.schedule(runCtx)

	if n, err := store.CountActive(ctx); err == nil {
		metrics.UpdateActiveRecords(n)
	}

	s.started = true
	s.logger.Info(ctx, "stepscore service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.queueSize),
		logger.Int("dedupe_size", s.dedupeSize),
		logger.Int("charts", s.catalog.Len()),
	)
	return nil
}

// Shutdown stops the scheduled jobs, drains the change queue and closes the
// store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.logger.Info(ctx, "stopping stepscore service")

	s.cancelLoops()

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain workers: %w", err))
	}
	s.cancel()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info(ctx, "stepscore service stopped")
	return errors.Join(errs...)
}

// Stop shuts the service down with a default timeout.
func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil && s.logger != nil {
		s.logger.Error(ctx, "shutdown failed", logger.Error(err))
	}
}

// Catalog returns the chart catalog.
func (s *Service) Catalog() *chart.Catalog { return s.catalog }

// SubmitScore merges one play result into the user's records and, for a
// public user, into their area's and the world's records. It returns the
// records created for the user; the result is empty when nothing improved.
func (s *Service) SubmitScore(ctx context.Context, user model.User, key model.ChartKey, sub merge.Submission) ([]model.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return nil, ErrNotStarted
	}
	if !model.ValidRealUserID(user.ID) {
		metrics.RecordSubmission("rejected")
		return nil, fmt.Errorf("%w: %q", ErrInvalidUser, user.ID)
	}
	if s.queue.Len(ctx) >= s.queueSize {
		metrics.RecordSubmission("rejected")
		return nil, ErrBackpressure
	}

	ch, err := s.catalog.Resolve(ctx, key)
	if err != nil {
		metrics.RecordSubmission("rejected")
		return nil, err
	}

	lock := &s.chartLocks[stripe(key)]
	lock.Lock()
	defer lock.Unlock()

	var res merge.Result
	for attempt := 1; ; attempt++ {
		res, err = s.stage(ctx, ch, user, sub)
		if err != nil {
			metrics.RecordSubmission("error")
			return nil, err
		}
		if res.Empty() {
			metrics.RecordSubmission("unchanged")
			return nil, nil
		}
		_, err = s.store.BatchWrite(ctx, res.Create, res.SoftDelete)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrConflict) || attempt >= s.conflictRetries {
			metrics.RecordSubmission("error")
			return nil, fmt.Errorf("write records: %w", err)
		}
		metrics.RecordStoreConflict("retried")
		s.logger.Debug(ctx, "record write conflict, retrying",
			logger.String("user_id", user.ID),
			logger.String("chart", key.String()),
			logger.Int("attempt", attempt),
		)
	}

	metrics.RecordSubmission("improved")
	return res.Reported, nil
}

// stage merges sub into the current records of every owner.
func (s *Service) stage(ctx context.Context, ch chart.Chart, user model.User, sub merge.Submission) (merge.Result, error) {
	var out merge.Result
	for _, owner := range owners(user) {
		existing, err := s.store.ListByUserAndChart(ctx, owner.ID.String(), ch.Key())
		if err != nil {
			return merge.Result{}, fmt.Errorf("list records of %s: %w", owner.ID, err)
		}
		out.Append(s.policy.Merge(ch, owner, existing, sub))
	}
	return out, nil
}

func owners(u model.User) []merge.Owner {
	out := []merge.Owner{{ID: model.Real(u.ID), Name: u.Name, IsPublic: u.IsPublic}}
	if !u.IsPublic {
		return out
	}
	if u.AreaCode > 0 {
		out = append(out, merge.Owner{ID: model.Area(u.AreaCode), Name: "Area " + strconv.Itoa(u.AreaCode), IsPublic: true})
	}
	return append(out, merge.Owner{ID: model.World(), Name: "World", IsPublic: true})
}

func stripe(key model.ChartKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return int(h.Sum32() % chartLockStripes)
}

// Pending returns the number of change batches published and not yet
// aggregated.
func (s *Service) Pending() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tracker == nil {
		return 0
	}
	return s.tracker.Pending()
}

// Summary returns the radar vectors and histogram buckets of userID.
func (s *Service) Summary(ctx context.Context, userID string) (UserSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return UserSummary{}, ErrNotStarted
	}
	radars, err := s.store.ListRadar(ctx, userID)
	if err != nil {
		return UserSummary{}, fmt.Errorf("list radar: %w", err)
	}
	buckets, err := s.store.ListBucketsForUser(ctx, userID)
	if err != nil {
		return UserSummary{}, fmt.Errorf("list buckets: %w", err)
	}
	return UserSummary{UserID: userID, Radars: radars, Buckets: buckets}, nil
}

// Reconcile runs the reconciliation job. Calls made while a run is in
// flight share its result.
func (s *Service) Reconcile(ctx context.Context) (summary.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return summary.Report{}, ErrNotStarted
	}
	return s.runReconcile(ctx)
}

func (s *Service) runReconcile(ctx context.Context) (summary.Report, error) {
	v, err, shared := s.reconcile.Do("reconcile", func() (any, error) {
		return s.reconciler.Run(ctx)
	})
	if shared {
		s.logger.Debug(ctx, "joined running reconciliation")
	}
	if err != nil {
		return summary.Report{}, err
	}
	return v.(summary.Report), nil
}

// PurgeExpired erases the expiring records whose ttl has elapsed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return 0, ErrNotStarted
	}
	return s.purge(ctx)
}

func (s *Service) purge(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	metrics.RecordRecordsPurged(n)
	if n > 0 {
		s.logger.Info(ctx, "purged expired records", logger.Int("count", n))
	}
	return n, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"charts":      s.catalog.Len(),
	}
	if !s.started {
		return stats
	}

	stats["queueLength"] = s.queue.Len(ctx)
	stats["pendingBatches"] = s.tracker.Pending()
	if n, err := s.store.CountActive(ctx); err == nil {
		stats["activeRecords"] = n
		metrics.UpdateActiveRecords(n)
	}
	if s.deduper != nil {
		stats["dedupeEntries"] = s.deduper.Size()
	}
	return stats
}
