package summary_test

import (
	"context"
	"sync"
	"testing"

	"github.com/okian/stepscore/internal/adapters/repository"
	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/merge"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/radar"
	"github.com/okian/stepscore/internal/domain/summary"
	"github.com/okian/stepscore/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type batchSink struct {
	mu      sync.Mutex
	pending []model.ChangeBatch
}

func (s *batchSink) Publish(_ context.Context, b model.ChangeBatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, b)
	return true
}

func (s *batchSink) drain() []model.ChangeBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

var testCharts = []chart.Chart{
	{SongID: "S", PlayStyle: 1, Difficulty: 2, Level: 10, Radar: &model.Radar{Stream: 100, Voltage: 80, Air: 20, Freeze: 10, Chaos: 50}},
	{SongID: "T", PlayStyle: 1, Difficulty: 3, Level: 10, Radar: &model.Radar{Stream: 60, Voltage: 90, Air: 40, Freeze: 0, Chaos: 70}},
	{SongID: "U", PlayStyle: 1, Difficulty: 1, Level: 5, Radar: &model.Radar{Stream: 30}},
	{SongID: "S", PlayStyle: 2, Difficulty: 2, Level: 11, Radar: &model.Radar{Stream: 110, Air: 5}},
	{SongID: "COURSE", PlayStyle: 1, Difficulty: 2, Level: 10},
}

// harness runs the write path and the aggregation path against one memory store.
type harness struct {
	t       *testing.T
	store   *repository.MemoryStore
	sink    *batchSink
	catalog *chart.Catalog
	policy  *merge.Policy
	agg     *summary.Aggregator
	rec     *summary.Reconciler
}

func newHarness(t *testing.T, opts ...summary.Option) *harness {
	sink := &batchSink{}
	store := repository.NewMemoryStore(repository.WithChangeSink(sink))
	catalog, err := chart.NewCatalog(testCharts...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	gen := radar.NewMaxGenerator(store)
	return &harness{
		t:       t,
		store:   store,
		sink:    sink,
		catalog: catalog,
		policy:  merge.NewPolicy(),
		agg:     summary.NewAggregator(store, gen, opts...),
		rec:     summary.NewReconciler(store, store, summary.WithCatalog(catalog)),
	}
}

// submit merges one play for a real user and writes it.
func (h *harness) submit(user, song string, ps, diff, score int, lamp model.ClearLamp, rank model.Rank) {
	ctx := context.Background()
	key := model.ChartKey{SongID: song, PlayStyle: ps, Difficulty: diff}
	ch, err := h.catalog.Resolve(ctx, key)
	if err != nil {
		h.t.Fatalf("resolve: %v", err)
	}
	existing, err := h.store.ListByUserAndChart(ctx, user, key)
	if err != nil {
		h.t.Fatalf("list: %v", err)
	}
	res := h.policy.Merge(ch, merge.Owner{ID: model.Real(user)}, existing, merge.Submission{Score: score, ClearLamp: lamp, Rank: rank})
	if res.Empty() {
		return
	}
	if _, err := h.store.BatchWrite(ctx, res.Create, res.SoftDelete); err != nil {
		h.t.Fatalf("batch write: %v", err)
	}
}

// process applies every pending change batch.
func (h *harness) process() []model.ChangeBatch {
	batches := h.sink.drain()
	for _, b := range batches {
		if err := h.agg.Process(context.Background(), b); err != nil {
			h.t.Fatalf("process: %v", err)
		}
	}
	return batches
}

func (h *harness) counts(user string) map[model.BucketKey]int {
	rows, err := h.store.ListBucketsForUser(context.Background(), user)
	if err != nil {
		h.t.Fatalf("list buckets: %v", err)
	}
	out := make(map[model.BucketKey]int, len(rows))
	for _, b := range rows {
		out[b.Key] = b.Count
	}
	return out
}

func (h *harness) all() []model.HistogramBucket {
	rows, err := h.store.ListAllBuckets(context.Background())
	if err != nil {
		h.t.Fatalf("list buckets: %v", err)
	}
	return rows
}

// nonZero drops zero rows and ids so two bucket sets can be compared by content.
func nonZero(rows []model.HistogramBucket) map[model.BucketKey]int {
	out := make(map[model.BucketKey]int)
	for _, b := range rows {
		if b.Count != 0 {
			out[b.Key] = b.Count
		}
	}
	return out
}
