package summary_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/stepscore/internal/adapters/repository"
	"github.com/okian/stepscore/internal/domain/dedupe"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/radar"
	"github.com/okian/stepscore/internal/domain/summary"
	. "github.com/smartystreets/goconvey/convey"
)

func TestAggregator_EndToEnd(t *testing.T) {
	Convey("Given user U1 playing chart S single difficulty 2", t, func() {
		h := newHarness(t)
		lamp := func(l model.ClearLamp) model.BucketKey { return model.ClearLampKey("U1", 1, 10, l) }
		rank := func(r model.Rank) model.BucketKey { return model.RankKey("U1", 1, 10, r) }

		h.submit("U1", "S", 1, 2, 900_000, model.Clear, "AA")
		h.process()

		Convey("When the first result is aggregated", func() {
			c := h.counts("U1")

			Convey("Then one clear-lamp and one rank bucket hold the chart", func() {
				So(c[lamp(model.Clear)], ShouldEqual, 1)
				So(c[rank("AA")], ShouldEqual, 1)
				So(len(c), ShouldEqual, 2)
			})

			Convey("Then the radar vectors are refreshed for both play styles", func() {
				vs, err := h.store.ListRadar(context.Background(), "U1")
				So(err, ShouldBeNil)
				So(len(vs), ShouldEqual, 2)
				So(vs[0].Radar, ShouldResemble, model.Radar{Stream: 90, Voltage: 72, Air: 18, Freeze: 9, Chaos: 45})
				So(vs[1].Radar, ShouldResemble, model.Radar{})
			})
		})

		Convey("When a better result replaces it", func() {
			h.submit("U1", "S", 1, 2, 950_000, model.GoodFC, "AAA")
			batches := h.process()

			Convey("Then the batch carried one active and one expiring record", func() {
				So(len(batches), ShouldEqual, 1)
				So(len(batches[0].Records), ShouldEqual, 2)
			})

			Convey("Then the counts move from the old buckets to the new ones", func() {
				c := h.counts("U1")
				So(c[lamp(model.Clear)], ShouldEqual, 0)
				So(c[lamp(model.GoodFC)], ShouldEqual, 1)
				So(c[rank("AA")], ShouldEqual, 0)
				So(c[rank("AAA")], ShouldEqual, 1)
			})
		})

		Convey("When the identical result is resubmitted", func() {
			h.submit("U1", "S", 1, 2, 900_000, model.Clear, "AA")
			batches := h.process()

			Convey("Then nothing is published or changed", func() {
				So(len(batches), ShouldEqual, 0)
				So(h.counts("U1")[lamp(model.Clear)], ShouldEqual, 1)
			})
		})
	})
}

func TestAggregator_Inconsistencies(t *testing.T) {
	Convey("Given an aggregator over an empty summary store", t, func() {
		h := newHarness(t)
		ctx := context.Background()
		expiring := model.ScoreRecord{
			ID: "old", UserID: "u1", SongID: "S", PlayStyle: 1, Difficulty: 2, Level: 10,
			ClearLamp: model.Clear, Rank: "A", Radar: &model.Radar{}, State: model.Expiring(3600, time.Now()),
		}

		Convey("When a decrement targets a missing bucket", func() {
			err := h.agg.Process(ctx, model.ChangeBatch{ID: "b1", Records: []model.ScoreRecord{expiring}})

			Convey("Then it is skipped without failing the batch", func() {
				So(err, ShouldBeNil)
				So(len(h.counts("u1")), ShouldEqual, 0)
			})
		})

		Convey("When a replaced record and its successor share buckets that are missing", func() {
			active := expiring
			active.ID = "new"
			active.Score = 910_000
			active.State = model.Active()
			err := h.agg.Process(ctx, model.ChangeBatch{ID: "b1", Records: []model.ScoreRecord{expiring, active}})

			Convey("Then the successor's buckets are created at count one", func() {
				So(err, ShouldBeNil)
				c := h.counts("u1")
				So(c[model.ClearLampKey("u1", 1, 10, model.Clear)], ShouldEqual, 1)
				So(c[model.RankKey("u1", 1, 10, "A")], ShouldEqual, 1)
				So(len(c), ShouldEqual, 2)
			})
		})

		Convey("When a decrement would go below zero", func() {
			_, err := h.store.UpsertBucket(ctx, model.HistogramBucket{Key: model.ClearLampKey("u1", 1, 10, model.Clear), Count: 0})
			So(err, ShouldBeNil)
			err = h.agg.Process(ctx, model.ChangeBatch{ID: "b1", Records: []model.ScoreRecord{expiring}})

			Convey("Then the count is clamped at zero", func() {
				So(err, ShouldBeNil)
				So(h.counts("u1")[model.ClearLampKey("u1", 1, 10, model.Clear)], ShouldEqual, 0)
			})
		})
	})
}

func TestAggregator_NotPlayed(t *testing.T) {
	Convey("Given a user whose histograms were reconciled", t, func() {
		h := newHarness(t)
		ctx := context.Background()
		h.submit("u1", "U", 1, 1, 500_000, model.Failed, "D")
		h.process()
		_, err := h.rec.Run(ctx)
		So(err, ShouldBeNil)
		np := model.ClearLampKey("u1", 1, 10, model.NotPlayed)
		So(h.counts("u1")[np], ShouldEqual, 2)

		Convey("When a first play at a level is aggregated", func() {
			h.submit("u1", "S", 1, 2, 900_000, model.Clear, "AA")
			h.process()

			Convey("Then it leaves the not-played buckets", func() {
				c := h.counts("u1")
				So(c[np], ShouldEqual, 1)
				So(c[model.RankKey("u1", 1, 10, model.NoRank)], ShouldEqual, 1)
				So(summary.Conservation(h.all(), h.catalog.Totals(ctx)), ShouldBeEmpty)
			})

			Convey("And an improvement on the same chart does not touch them", func() {
				h.submit("u1", "S", 1, 2, 990_000, model.PerfectFC, "AAA")
				h.process()
				So(h.counts("u1")[np], ShouldEqual, 1)
				So(summary.Conservation(h.all(), h.catalog.Totals(ctx)), ShouldBeEmpty)
			})
		})
	})
}

func TestAggregator_Dedupe(t *testing.T) {
	Convey("Given an aggregator with a deduper", t, func() {
		h := newHarness(t, summary.WithDeduper(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(100))))
		h.submit("u1", "S", 1, 2, 900_000, model.Clear, "AA")
		batches := h.process()

		Convey("When an expiring record was applied before its replacement batch", func() {
			ctx := context.Background()
			_, err := h.rec.Run(ctx)
			So(err, ShouldBeNil)
			np := model.ClearLampKey("u1", 1, 10, model.NotPlayed)
			So(h.counts("u1")[np], ShouldEqual, 1)

			h.submit("u1", "S", 1, 2, 990_000, model.PerfectFC, "AAA")
			pending := h.sink.drain()
			So(len(pending), ShouldEqual, 1)
			var early []model.ScoreRecord
			for _, r := range pending[0].Records {
				if r.State.IsExpiring() {
					early = append(early, r)
				}
			}
			So(len(early), ShouldEqual, 1)
			So(h.agg.Process(ctx, model.ChangeBatch{ID: "early", Records: early}), ShouldBeNil)
			So(h.agg.Process(ctx, pending[0]), ShouldBeNil)

			Convey("Then the successor is not treated as a first play", func() {
				c := h.counts("u1")
				So(c[np], ShouldEqual, 1)
				So(c[model.RankKey("u1", 1, 10, model.NoRank)], ShouldEqual, 1)
				So(c[model.ClearLampKey("u1", 1, 10, model.Clear)], ShouldEqual, 0)
				So(c[model.ClearLampKey("u1", 1, 10, model.PerfectFC)], ShouldEqual, 1)
				So(summary.Conservation(h.all(), h.catalog.Totals(ctx)), ShouldBeEmpty)
			})
		})

		Convey("When the same batch is redelivered", func() {
			So(h.agg.Process(context.Background(), batches[0]), ShouldBeNil)

			Convey("Then it is not counted twice", func() {
				So(h.counts("u1")[model.ClearLampKey("u1", 1, 10, model.Clear)], ShouldEqual, 1)
			})
		})
	})
}

// flakyStore injects failures in front of a memory store.
type flakyStore struct {
	*repository.MemoryStore
	conflicts atomic.Int32
	failUser  string
}

func (f *flakyStore) UpsertBucket(ctx context.Context, b model.HistogramBucket) (model.HistogramBucket, error) {
	if b.Key.UserID == f.failUser {
		return model.HistogramBucket{}, errors.New("disk full")
	}
	if f.conflicts.Load() > 0 {
		f.conflicts.Add(-1)
		// A concurrent writer bumps the row before our write lands.
		rows, err := f.MemoryStore.ListBucketsForUser(ctx, b.Key.UserID)
		if err != nil {
			return model.HistogramBucket{}, err
		}
		for _, cur := range rows {
			if cur.Key != b.Key {
				continue
			}
			cur.Count += 10
			if _, err := f.MemoryStore.UpsertBucket(ctx, cur); err != nil {
				return model.HistogramBucket{}, err
			}
		}
		return model.HistogramBucket{}, summary.ErrConflict
	}
	return f.MemoryStore.UpsertBucket(ctx, b)
}

func TestAggregator_Conflicts(t *testing.T) {
	Convey("Given a bucket that exists with count 1", t, func() {
		ctx := context.Background()
		mem := repository.NewMemoryStore()
		key := model.ClearLampKey("u1", 1, 10, model.Clear)
		_, err := mem.UpsertBucket(ctx, model.HistogramBucket{Key: key, Count: 1})
		So(err, ShouldBeNil)

		store := &flakyStore{MemoryStore: mem}
		active := model.ScoreRecord{
			ID: "r1", UserID: "u1", SongID: "T", PlayStyle: 1, Difficulty: 3, Level: 10,
			ClearLamp: model.Clear, Rank: "A", Radar: &model.Radar{},
		}
		batch := model.ChangeBatch{ID: "b1", Records: []model.ScoreRecord{active}}

		Convey("When the write conflicts once", func() {
			store.conflicts.Store(1)
			agg := summary.NewAggregator(store, radar.NewMaxGenerator(mem), summary.WithConflictRetries(2))
			err := agg.Process(ctx, batch)

			Convey("Then it is retried against the fresh row", func() {
				So(err, ShouldBeNil)
				rows, _ := mem.ListBucketsForUser(ctx, "u1")
				var got int
				for _, b := range rows {
					if b.Key == key {
						got = b.Count
					}
				}
				So(got, ShouldEqual, 12)
			})
		})

		Convey("When conflicts outlast the retry budget", func() {
			store.conflicts.Store(5)
			agg := summary.NewAggregator(store, radar.NewMaxGenerator(mem), summary.WithConflictRetries(1))
			err := agg.Process(ctx, batch)

			Convey("Then the group fails and is reported", func() {
				So(errors.Is(err, summary.ErrPartialBatch), ShouldBeTrue)
			})
		})
	})

	Convey("Given a batch spanning a failing and a healthy user", t, func() {
		ctx := context.Background()
		mem := repository.NewMemoryStore()
		store := &flakyStore{MemoryStore: mem, failUser: "bad"}
		agg := summary.NewAggregator(store, radar.NewMaxGenerator(mem))
		rec := func(user string) model.ScoreRecord {
			return model.ScoreRecord{ID: user, UserID: user, SongID: "S", PlayStyle: 1, Difficulty: 2, Level: 10,
				ClearLamp: model.Clear, Rank: "A", Radar: &model.Radar{}}
		}

		err := agg.Process(ctx, model.ChangeBatch{ID: "b1", Records: []model.ScoreRecord{rec("bad"), rec("good")}})

		Convey("Then only the failing group is lost", func() {
			So(errors.Is(err, summary.ErrPartialBatch), ShouldBeTrue)
			good, _ := mem.ListBucketsForUser(ctx, "good")
			So(len(good), ShouldEqual, 2)
			bad, _ := mem.ListBucketsForUser(ctx, "bad")
			So(len(bad), ShouldEqual, 0)
		})
	})

	Convey("Given a cancelled context", t, func() {
		mem := repository.NewMemoryStore()
		agg := summary.NewAggregator(mem, radar.NewMaxGenerator(mem))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := agg.Process(ctx, model.ChangeBatch{})
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
	})
}
