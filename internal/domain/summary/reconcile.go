package summary

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/pkg/logger"
	"github.com/okian/stepscore/pkg/metrics"
)

// Scanner streams every active score record.
type Scanner interface {
	ScanActive(ctx context.Context, fn func(model.ScoreRecord) error) error
}

// BucketReplacer is the part of the summary store reconciliation writes to.
type BucketReplacer interface {
	ListAllBuckets(ctx context.Context) ([]model.HistogramBucket, error)
	// ReplaceBuckets writes every row unconditionally. Rows without an id are
	// matched by key before a new id is assigned.
	ReplaceBuckets(ctx context.Context, buckets []model.HistogramBucket) error
}

// Totals reports how many standalone charts exist per (play style, level).
type Totals interface {
	Totals(ctx context.Context) map[chart.LevelKey]int
}

// ReconcileOption applies a configuration option to the Reconciler.
type ReconcileOption func(*Reconciler)

// WithCatalog enables not-played buckets using the chart totals of t.
func WithCatalog(t Totals) ReconcileOption {
	return func(r *Reconciler) { r.totals = t }
}

// WithReconcileLogger sets a custom logger.
func WithReconcileLogger(l logger.Logger) ReconcileOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithReconcileClock overrides the timestamp source.
func WithReconcileClock(now func() time.Time) ReconcileOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// Report summarizes one reconciliation run.
type Report struct {
	Users    int
	Rows     int
	Created  int
	Zeroed   int
	Duration time.Duration
}

// Reconciler recomputes every user's histograms from the score table.
type Reconciler struct {
	scores  Scanner
	buckets BucketReplacer
	totals  Totals
	log     logger.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(scores Scanner, buckets BucketReplacer, opts ...ReconcileOption) *Reconciler {
	r := &Reconciler{
		scores:  scores,
		buckets: buckets,
		log:     logger.Get().Named("reconciler"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run computes the replacement bucket set and writes it.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := r.now()
	out, users, err := r.compute(ctx)
	if err != nil {
		metrics.RecordReconciliation("error", r.now().Sub(start).Seconds(), 0, 0)
		return Report{}, err
	}
	if err := r.buckets.ReplaceBuckets(ctx, out); err != nil {
		metrics.RecordReconciliation("error", r.now().Sub(start).Seconds(), 0, 0)
		return Report{}, fmt.Errorf("replace buckets: %w", err)
	}

	rep := Report{Users: users, Rows: len(out), Duration: r.now().Sub(start)}
	for _, b := range out {
		if b.ID == "" {
			rep.Created++
		}
		if b.Count == 0 {
			rep.Zeroed++
		}
	}
	metrics.RecordReconciliation("success", rep.Duration.Seconds(), rep.Rows, rep.Zeroed)
	metrics.UpdateBucketRows(rep.Rows)
	r.log.Info(ctx, "reconciliation complete",
		logger.Int("users", rep.Users),
		logger.Int("rows", rep.Rows),
		logger.Int("created", rep.Created),
		logger.Int("zeroed", rep.Zeroed),
		logger.Duration("took", rep.Duration),
	)
	return rep, nil
}

// Compute returns the complete replacement bucket set without writing it.
func (r *Reconciler) Compute(ctx context.Context) ([]model.HistogramBucket, error) {
	out, _, err := r.compute(ctx)
	return out, err
}

func (r *Reconciler) compute(ctx context.Context) ([]model.HistogramBucket, int, error) {
	fresh, users, err := r.count(ctx)
	if err != nil {
		return nil, 0, err
	}
	previous, err := r.buckets.ListAllBuckets(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list buckets: %w", err)
	}
	return Merge(fresh, previous, r.now()), users, nil
}

// count tallies active participating records into bucket counts and, when a
// catalog is configured, fills the not-played buckets.
func (r *Reconciler) count(ctx context.Context) (map[model.BucketKey]int, int, error) {
	fresh := make(map[model.BucketKey]int)
	played := make(map[string]map[chart.LevelKey]int)

	err := r.scores.ScanActive(ctx, func(rec model.ScoreRecord) error {
		if rec.State.IsExpiring() || !Participates(rec) {
			return nil
		}
		for _, k := range bucketKeys(rec) {
			fresh[k]++
		}
		lv := played[rec.UserID]
		if lv == nil {
			lv = make(map[chart.LevelKey]int)
			played[rec.UserID] = lv
		}
		lv[chart.LevelKey{PlayStyle: rec.PlayStyle, Level: rec.Level}]++
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan records: %w", err)
	}

	if r.totals == nil {
		return fresh, len(played), nil
	}
	totals := r.totals.Totals(ctx)
	for user, lv := range played {
		for lk, total := range totals {
			n := total - lv[lk]
			if n < 0 {
				r.log.Warn(ctx, "more played charts than the catalog holds",
					logger.String("user_id", user),
					logger.Int("play_style", lk.PlayStyle),
					logger.Int("level", lk.Level),
					logger.Int("played", lv[lk]),
					logger.Int("total", total),
				)
				continue
			}
			if n == 0 {
				continue
			}
			for _, k := range notPlayedKeys(user, lk.PlayStyle, lk.Level) {
				fresh[k] = n
			}
		}
	}
	return fresh, len(played), nil
}

// Merge combines fresh counts with the previously stored rows. A fresh bucket
// reuses the stored id of the same key; a stored bucket absent from fresh is
// kept with count 0. When the store holds duplicates of a key the lowest id
// wins and the others are zeroed. The result is sorted by key then id.
func Merge(fresh map[model.BucketKey]int, previous []model.HistogramBucket, now time.Time) []model.HistogramBucket {
	prev := append([]model.HistogramBucket(nil), previous...)
	sortBuckets(prev)

	out := make([]model.HistogramBucket, 0, len(fresh)+len(prev))
	claimed := make(map[model.BucketKey]bool, len(fresh))
	for _, b := range prev {
		n, ok := fresh[b.Key]
		if !ok || claimed[b.Key] {
			n = 0
		}
		claimed[b.Key] = true
		b.Count = n
		b.UpdatedAt = now
		out = append(out, b)
	}

	for k, n := range fresh {
		if claimed[k] || n <= 0 {
			continue
		}
		out = append(out, model.HistogramBucket{Key: k, Count: n, UpdatedAt: now})
	}
	sortBuckets(out)
	return out
}

// Conservation checks that, for every (user, play style, level), the clear
// lamp and rank histograms hold the same number of charts and, when totals
// is non-nil, that this number equals the catalog total. It returns one
// message per violation, sorted.
func Conservation(buckets []model.HistogramBucket, totals map[chart.LevelKey]int) []string {
	type cell struct {
		user      string
		playStyle int
		level     int
	}
	lamps := make(map[cell]int)
	ranks := make(map[cell]int)
	for _, b := range buckets {
		c := cell{b.Key.UserID, b.Key.PlayStyle, b.Key.Level}
		switch b.Key.Kind {
		case model.ClearLampBucket:
			lamps[c] += b.Count
		case model.RankBucket:
			ranks[c] += b.Count
		}
	}

	cells := make(map[cell]bool)
	for c := range lamps {
		cells[c] = true
	}
	for c := range ranks {
		cells[c] = true
	}

	var out []string
	for c := range cells {
		if lamps[c] != ranks[c] {
			out = append(out, fmt.Sprintf("%s/%d/%d: clear lamps %d != ranks %d", c.user, c.playStyle, c.level, lamps[c], ranks[c]))
			continue
		}
		if totals == nil || lamps[c] == 0 {
			continue
		}
		if t := totals[chart.LevelKey{PlayStyle: c.playStyle, Level: c.level}]; lamps[c] != t {
			out = append(out, fmt.Sprintf("%s/%d/%d: %d charts counted, catalog has %d", c.user, c.playStyle, c.level, lamps[c], t))
		}
	}
	sort.Strings(out)
	return out
}
