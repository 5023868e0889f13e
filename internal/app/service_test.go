package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	service "github.com/okian/stepscore/internal/app"
	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/merge"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCatalog(t *testing.T) *chart.Catalog {
	cat, err := chart.NewCatalog(
		chart.Chart{SongID: "s1", SongName: "One", PlayStyle: 1, Difficulty: 2, Level: 10, Radar: &model.Radar{Stream: 100, Voltage: 40}},
		chart.Chart{SongID: "s2", SongName: "Two", PlayStyle: 1, Difficulty: 3, Level: 10, Radar: &model.Radar{Stream: 50, Chaos: 80}},
		chart.Chart{SongID: "s3", SongName: "Three", PlayStyle: 2, Difficulty: 1, Level: 7, Radar: &model.Radar{Air: 60}},
		chart.Chart{SongID: "course", SongName: "Course", PlayStyle: 1, Difficulty: 2, Level: 10},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

var s1 = model.ChartKey{SongID: "s1", PlayStyle: 1, Difficulty: 2}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(service.WithCatalog(testCatalog(t)), service.WithWorkerCount(2))
		ctx := context.Background()

		Convey("When it is not started", func() {
			_, err := svc.SubmitScore(ctx, model.User{ID: "alice"}, s1, merge.Submission{Score: 1, Rank: "E"})
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)

			_, err = svc.Reconcile(ctx)
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)

			So(svc.GetStats(ctx)["started"], ShouldEqual, false)
		})

		Convey("When it is started twice and stopped twice", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)

			stats := svc.GetStats(ctx)
			So(stats["started"], ShouldEqual, true)
			So(stats["charts"], ShouldEqual, 4)
			So(stats["activeRecords"], ShouldEqual, 0)

			So(svc.Shutdown(ctx), ShouldBeNil)
			So(svc.Shutdown(ctx), ShouldBeNil)
			So(svc.GetStats(ctx)["started"], ShouldEqual, false)
		})
	})
}

func TestService_SubmitScore(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
		svc := service.New(
			service.WithCatalog(testCatalog(t)),
			service.WithWorkerCount(2),
			service.WithClock(clk.Now),
			service.WithPurgeInterval(0),
			service.WithReconcileInterval(0),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		public := model.User{ID: "alice", Name: "Alice", AreaCode: 13, IsPublic: true}

		Convey("When a public user submits a first result", func() {
			got, err := svc.SubmitScore(ctx, public, s1, merge.Submission{Score: 900_000, ClearLamp: model.Clear, Rank: "AA"})

			Convey("Then only the user's record is returned", func() {
				So(err, ShouldBeNil)
				So(len(got), ShouldEqual, 1)
				So(got[0].UserID, ShouldEqual, "alice")
				So(got[0].UserName, ShouldEqual, "Alice")
				So(got[0].Radar, ShouldResemble, &model.Radar{Stream: 90, Voltage: 36})
			})

			Convey("Then the area and world records are written too", func() {
				So(svc.GetStats(ctx)["activeRecords"], ShouldEqual, 3)
			})

			Convey("Then the user's summary is updated asynchronously", func() {
				So(waitFor(func() bool {
					sum, err := svc.Summary(ctx, "alice")
					return err == nil && len(sum.Buckets) == 2 && len(sum.Radars) == 2
				}), ShouldBeTrue)

				sum, _ := svc.Summary(ctx, "alice")
				for _, b := range sum.Buckets {
					So(b.Count, ShouldEqual, 1)
				}
			})

			Convey("And a worse result follows", func() {
				got, err := svc.SubmitScore(ctx, public, s1, merge.Submission{Score: 100, ClearLamp: model.Failed, Rank: "E"})

				Convey("Then nothing changes", func() {
					So(err, ShouldBeNil)
					So(got, ShouldBeEmpty)
					So(svc.GetStats(ctx)["activeRecords"], ShouldEqual, 3)
				})
			})

			Convey("And a better result follows and the ttl elapses", func() {
				_, err := svc.SubmitScore(ctx, public, s1, merge.Submission{Score: 950_000, ClearLamp: model.GreatFC, Rank: "AAA"})
				So(err, ShouldBeNil)

				n, err := svc.PurgeExpired(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)

				clk.Advance(time.Hour + time.Second)
				n, err = svc.PurgeExpired(ctx)

				Convey("Then the superseded records are purged", func() {
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 3)
					So(svc.GetStats(ctx)["activeRecords"], ShouldEqual, 3)
				})
			})
		})

		Convey("When a private user submits", func() {
			_, err := svc.SubmitScore(ctx, model.User{ID: "bob", AreaCode: 13}, s1, merge.Submission{Score: 500_000, ClearLamp: model.Failed, Rank: "C"})

			Convey("Then no aggregate records are written", func() {
				So(err, ShouldBeNil)
				So(svc.GetStats(ctx)["activeRecords"], ShouldEqual, 1)
			})
		})

		Convey("When the chart is unknown", func() {
			_, err := svc.SubmitScore(ctx, public, model.ChartKey{SongID: "nope", PlayStyle: 1}, merge.Submission{Score: 1, Rank: "E"})
			So(errors.Is(err, chart.ErrUnknownChart), ShouldBeTrue)
		})

		Convey("When the user id is numeric", func() {
			_, err := svc.SubmitScore(ctx, model.User{ID: "42"}, s1, merge.Submission{Score: 1, Rank: "E"})
			So(errors.Is(err, service.ErrInvalidUser), ShouldBeTrue)
		})

		Convey("When many public users submit the same chart concurrently", func() {
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					u := model.User{ID: "user-" + string(rune('a'+i)), AreaCode: 1 + i%2, IsPublic: true}
					_, err := svc.SubmitScore(ctx, u, s1, merge.Submission{Score: 10_000 * (i + 1), ClearLamp: model.Clear, Rank: "B"})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)

			Convey("Then every submission succeeds with one active record per owner", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				So(svc.GetStats(ctx)["activeRecords"], ShouldEqual, 20+2+1)
			})
		})
	})
}

func TestService_ScheduledReconcile(t *testing.T) {
	Convey("Given a service reconciling every few milliseconds", t, func() {
		ctx := context.Background()
		svc := service.New(
			service.WithCatalog(testCatalog(t)),
			service.WithWorkerCount(1),
			service.WithReconcileInterval(20*time.Millisecond),
			service.WithPurgeInterval(20*time.Millisecond),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		_, err := svc.SubmitScore(ctx, model.User{ID: "bob"}, s1, merge.Submission{Score: 800_000, ClearLamp: model.Clear, Rank: "A"})
		So(err, ShouldBeNil)

		Convey("Then the not-played buckets appear without a manual trigger", func() {
			So(waitFor(func() bool {
				sum, err := svc.Summary(ctx, "bob")
				if err != nil {
					return false
				}
				for _, b := range sum.Buckets {
					if b.Key.Kind == model.ClearLampBucket && b.Key.Value == "-1" && b.Key.Level == 10 && b.Count == 1 {
						return true
					}
				}
				return false
			}), ShouldBeTrue)
		})
	})
}
