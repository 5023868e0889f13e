package summary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/stepscore/internal/domain/dedupe"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/radar"
	"github.com/okian/stepscore/pkg/logger"
	"github.com/okian/stepscore/pkg/metrics"
)

const (
	defaultConflictRetries  = 3
	defaultGroupConcurrency = 8
)

// BucketStore is the part of the summary store the aggregator writes to.
type BucketStore interface {
	ListBucketsForUser(ctx context.Context, userID string) ([]model.HistogramBucket, error)
	// UpsertBucket inserts b when b.ID is empty and otherwise overwrites the
	// row only if its stored version still equals b.Version. A lost race on
	// either path returns ErrConflict.
	UpsertBucket(ctx context.Context, b model.HistogramBucket) (model.HistogramBucket, error)
	UpsertRadar(ctx context.Context, v model.GrooveRadarVector) error
}

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithDeduper skips record changes that were already applied.
func WithDeduper(d dedupe.Deduper) Option {
	return func(a *Aggregator) { a.dedupe = d }
}

// WithConflictRetries bounds how often a conflicting bucket write is retried.
func WithConflictRetries(n int) Option {
	return func(a *Aggregator) {
		if n >= 0 {
			a.retries = n
		}
	}
}

// WithGroupConcurrency bounds how many user groups of one batch run at once.
func WithGroupConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator applies change batches to the summary store.
type Aggregator struct {
	store       BucketStore
	radar       radar.Generator
	dedupe      dedupe.Deduper
	log         logger.Logger
	retries     int
	concurrency int
	now         func() time.Time
}

// NewAggregator creates an aggregator writing to store.
func NewAggregator(store BucketStore, gen radar.Generator, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       store,
		radar:       gen,
		log:         logger.Get().Named("aggregator"),
		retries:     defaultConflictRetries,
		concurrency: defaultGroupConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process applies one change batch. User groups are independent: a failing
// group is logged and counted and never stops its siblings. The returned error
// wraps ErrPartialBatch when any group failed.
func (a *Aggregator) Process(ctx context.Context, batch model.ChangeBatch) error {
	groups := Group(batch.Records)

	var failed atomic.Int32
	var eg errgroup.Group
	eg.SetLimit(a.concurrency)
	for _, g := range groups {
		eg.Go(func() error {
			if err := a.processUser(ctx, g); err != nil {
				failed.Add(1)
				metrics.RecordGroupFailed()
				metrics.RecordErrorByComponent("aggregator", "group_failed")
				a.log.Error(ctx, "user group failed",
					logger.String("batch_id", batch.ID),
					logger.String("user_id", g.UserID),
					logger.Error(err),
				)
			}
			return nil
		})
	}
	_ = eg.Wait()

	metrics.RecordBatchProcessed()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%w: %d of %d user groups failed", ErrPartialBatch, n, len(groups))
	}
	return nil
}

func (a *Aggregator) processUser(ctx context.Context, g UserGroup) error {
	records := a.fresh(ctx, g.Records)
	if len(records) == 0 {
		return nil
	}

	if err := a.refreshRadar(ctx, g.UserID); err != nil {
		a.forget(ctx, records)
		return err
	}

	current, err := a.load(ctx, g.UserID)
	if err != nil {
		a.forget(ctx, records)
		return err
	}

	deltas := plan(g.Records, records)
	keys := make([]model.BucketKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	var errs []error
	for _, k := range keys {
		if err := a.apply(ctx, current, k, deltas[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fresh drops changes the deduper has already seen.
func (a *Aggregator) fresh(ctx context.Context, records []model.ScoreRecord) []model.ScoreRecord {
	if a.dedupe == nil {
		return records
	}
	out := records[:0:0]
	for _, r := range records {
		if a.dedupe.SeenAndRecord(ctx, dedupe.ChangeKey(r)) {
			metrics.RecordDuplicateSkipped()
			continue
		}
		out = append(out, r)
	}
	return out
}

// forget lets a redelivery apply records whose group failed before any
// bucket was written.
func (a *Aggregator) forget(ctx context.Context, records []model.ScoreRecord) {
	if a.dedupe == nil {
		return
	}
	for _, r := range records {
		a.dedupe.Unrecord(ctx, dedupe.ChangeKey(r))
	}
}

func (a *Aggregator) refreshRadar(ctx context.Context, userID string) error {
	for _, ps := range model.PlayStyles {
		v, err := a.radar.Generate(ctx, userID, ps)
		if err != nil {
			return fmt.Errorf("generate radar %s/%d: %w", userID, ps, err)
		}
		if err := a.store.UpsertRadar(ctx, v); err != nil {
			return fmt.Errorf("upsert radar %s/%d: %w", userID, ps, err)
		}
		metrics.RecordRadarUpdate()
	}
	return nil
}

func (a *Aggregator) load(ctx context.Context, userID string) (map[model.BucketKey]model.HistogramBucket, error) {
	rows, err := a.store.ListBucketsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list buckets of %s: %w", userID, err)
	}
	out := make(map[model.BucketKey]model.HistogramBucket, len(rows))
	for _, b := range rows {
		out[b.Key] = b
	}
	return out, nil
}

// delta is the change planned for one bucket. Increments and decrements are
// kept apart so a bucket missing from the store still gets created by its
// increments while its decrements are skipped.
type delta struct {
	inc int
	dec int
	// optional marks a not-played adjustment; its bucket may not exist yet.
	optional bool
}

// plan turns a user's changed records into bucket deltas. An expiring record
// leaves its buckets. An active record enters its buckets and, when no
// expiring record of the same chart is in the group, it is a first play that
// leaves the not-played buckets. group is the whole user group before dedupe,
// so an already-seen expiring record still marks its chart as replaced.
func plan(group, records []model.ScoreRecord) map[model.BucketKey]delta {
	replaced := make(map[model.ChartKey]bool)
	for _, r := range group {
		if r.State.IsExpiring() {
			replaced[r.Chart()] = true
		}
	}

	out := make(map[model.BucketKey]delta)
	add := func(k model.BucketKey, n int, optional bool) {
		d := out[k]
		if n > 0 {
			d.inc += n
		} else {
			d.dec -= n
		}
		d.optional = d.optional || optional
		out[k] = d
	}
	for _, r := range records {
		if r.State.IsExpiring() {
			for _, k := range bucketKeys(r) {
				add(k, -1, false)
			}
			continue
		}
		for _, k := range bucketKeys(r) {
			add(k, 1, false)
		}
		if !replaced[r.Chart()] {
			for _, k := range notPlayedKeys(r.UserID, r.PlayStyle, r.Level) {
				add(k, -1, true)
			}
		}
	}
	return out
}

// apply writes one bucket delta, retrying version conflicts against a fresh
// read of the user's buckets.
func (a *Aggregator) apply(ctx context.Context, current map[model.BucketKey]model.HistogramBucket, k model.BucketKey, d delta) error {
	if d.inc == 0 && d.dec == 0 {
		return nil
	}
	for attempt := 0; ; attempt++ {
		next, ok := a.next(ctx, current, k, d)
		if !ok {
			return nil
		}
		saved, err := a.store.UpsertBucket(ctx, next)
		if err == nil {
			current[k] = saved
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return fmt.Errorf("upsert bucket %s: %w", k, err)
		}
		if attempt >= a.retries {
			metrics.RecordStoreConflict("exhausted")
			a.log.Warn(ctx, "bucket conflict retries exhausted",
				logger.String("bucket", k.String()),
				logger.Int("attempts", attempt+1),
			)
			return fmt.Errorf("upsert bucket %s: %w", k, err)
		}
		metrics.RecordStoreConflict("retried")
		reloaded, err := a.load(ctx, k.UserID)
		if err != nil {
			return err
		}
		for key, b := range reloaded {
			current[key] = b
		}
		if _, ok := reloaded[k]; !ok {
			delete(current, k)
		}
	}
}

// next computes the row to write, or false when nothing is written. A bucket
// missing from the store is created from the increments alone; its
// decrements are skipped as not found.
func (a *Aggregator) next(ctx context.Context, current map[model.BucketKey]model.HistogramBucket, k model.BucketKey, d delta) (model.HistogramBucket, bool) {
	kind := string(k.Kind)
	b, ok := current[k]
	if !ok {
		if d.dec > 0 {
			if d.optional && d.inc == 0 {
				a.log.Debug(ctx, "not-played bucket absent", logger.String("bucket", k.String()))
				return model.HistogramBucket{}, false
			}
			metrics.RecordBucketNotFound(kind)
			a.log.Warn(ctx, "bucket not found for decrement",
				logger.String("user_id", k.UserID),
				logger.Int("play_style", k.PlayStyle),
				logger.Int("level", k.Level),
				logger.String("kind", kind),
				logger.String("value", k.Value),
				logger.Int("skipped", d.dec),
				logger.Error(ErrBucketNotFound),
			)
		}
		if d.inc == 0 {
			return model.HistogramBucket{}, false
		}
		metrics.RecordBucketChange(kind, "create")
		return model.HistogramBucket{Key: k, Count: d.inc, UpdatedAt: a.now()}, true
	}

	n := d.inc - d.dec
	if n == 0 {
		return model.HistogramBucket{}, false
	}
	count := b.Count + n
	if count < 0 {
		metrics.RecordBucketClamped()
		a.log.Warn(ctx, "bucket count would go negative",
			logger.String("bucket", k.String()),
			logger.Int("count", b.Count),
			logger.Int("delta", n),
		)
		count = 0
	}
	if n > 0 {
		metrics.RecordBucketChange(kind, "increment")
	} else {
		metrics.RecordBucketChange(kind, "decrement")
	}
	b.Count = count
	b.UpdatedAt = a.now()
	return b, true
}
