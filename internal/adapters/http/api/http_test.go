package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/stepscore/internal/adapters/http/api"
	service "github.com/okian/stepscore/internal/app"
	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/merge"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/summary"
	"github.com/okian/stepscore/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type mockDependencies struct {
	submitted []model.User
	lastSub   merge.Submission
	created   []model.ScoreRecord
	submitErr error
	sum       service.UserSummary
	sumErr    error
	report    summary.Report
	recErr    error
}

func (m *mockDependencies) SubmitScore(_ context.Context, user model.User, _ model.ChartKey, sub merge.Submission) ([]model.ScoreRecord, error) {
	m.submitted = append(m.submitted, user)
	m.lastSub = sub
	return m.created, m.submitErr
}

func (m *mockDependencies) Summary(_ context.Context, userID string) (service.UserSummary, error) {
	if m.sumErr != nil {
		return service.UserSummary{}, m.sumErr
	}
	s := m.sum
	s.UserID = userID
	return s, nil
}

func (m *mockDependencies) Reconcile(context.Context) (summary.Report, error) {
	return m.report, m.recErr
}

type mockStatsProvider struct {
	stats map[string]any
}

func (m *mockStatsProvider) GetStats(context.Context) map[string]any { return m.stats }

const validScore = `{"user_id":"alice","area_code":13,"is_public":true,"song_id":"s1","play_style":1,"difficulty":2,"score":900000,"ex_score":1500,"clear_lamp":2,"rank":"AA"}`

func serve(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.NewDecoder(w.Body).Decode(&out), ShouldBeNil)
	return out
}

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		deps := &mockDependencies{}
		stats := &mockStatsProvider{stats: map[string]any{"queueLength": 3}}
		mux := http.NewServeMux()
		api.NewServer(deps, stats).Register(mux)

		Convey("Then health returns ok", func() {
			w := serve(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["status"], ShouldEqual, "ok")
		})

		Convey("Then metrics are exposed", func() {
			serve(mux, http.MethodGet, "/healthz", "")
			w := serve(mux, http.MethodGet, "/metrics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "stepscore_core_http_requests_total")
		})

		Convey("Then stats are served", func() {
			w := serve(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["queueLength"], ShouldEqual, 3.0)
		})

		Convey("Then unknown paths are not found", func() {
			So(serve(mux, http.MethodGet, "/unknown", "").Code, ShouldEqual, http.StatusNotFound)
			So(serve(mux, http.MethodGet, "/scores", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestScoresHandler_HandlePostScore(t *testing.T) {
	Convey("Given a scores endpoint", t, func() {
		deps := &mockDependencies{}
		mux := http.NewServeMux()
		api.NewServer(deps, &mockStatsProvider{}).Register(mux)

		Convey("When the submission improves the record", func() {
			deps.created = []model.ScoreRecord{{ID: "r1", UserID: "alice", SongID: "s1", PlayStyle: 1, Difficulty: 2, Level: 10, Score: 900_000, ClearLamp: model.Clear, Rank: "AA"}}
			w := serve(mux, http.MethodPost, "/scores", validScore)

			Convey("Then 201 is returned with the new record", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				body := decode(w)
				So(body["status"], ShouldEqual, "improved")
				records := body["records"].([]any)
				So(len(records), ShouldEqual, 1)
				So(records[0].(map[string]any)["id"], ShouldEqual, "r1")
			})

			Convey("Then the request is mapped onto the service call", func() {
				So(deps.submitted, ShouldResemble, []model.User{{ID: "alice", AreaCode: 13, IsPublic: true}})
				So(deps.lastSub.Score, ShouldEqual, 900_000)
				So(*deps.lastSub.ExScore, ShouldEqual, 1500)
				So(deps.lastSub.ClearLamp, ShouldEqual, model.Clear)
				So(deps.lastSub.Rank, ShouldEqual, model.Rank("AA"))
			})
		})

		Convey("When the submission changes nothing", func() {
			w := serve(mux, http.MethodPost, "/scores", validScore)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["status"], ShouldEqual, "unchanged")
		})

		Convey("When the body is invalid", func() {
			cases := map[string]string{
				"malformed json": `{`,
				"unknown field":  `{"user_id":"a","bogus":1}`,
				"numeric user":   strings.Replace(validScore, `"alice"`, `"123"`, 1),
				"bad play style": strings.Replace(validScore, `"play_style":1`, `"play_style":3`, 1),
				"bad difficulty": strings.Replace(validScore, `"difficulty":2`, `"difficulty":5`, 1),
				"score too high": strings.Replace(validScore, `900000`, `1000001`, 1),
				"bad lamp":       strings.Replace(validScore, `"clear_lamp":2`, `"clear_lamp":-1`, 1),
				"bad rank":       strings.Replace(validScore, `"AA"`, `"-"`, 1),
				"missing song":   strings.Replace(validScore, `"s1"`, `""`, 1),
			}
			for name, body := range cases {
				Convey("Then "+name+" is rejected", func() {
					So(serve(mux, http.MethodPost, "/scores", body).Code, ShouldEqual, http.StatusBadRequest)
					So(deps.submitted, ShouldBeEmpty)
				})
			}
		})

		Convey("When the service fails", func() {
			cases := []struct {
				err    error
				status int
				code   string
			}{
				{chart.ErrUnknownChart, http.StatusNotFound, "unknown_chart"},
				{service.ErrBackpressure, http.StatusTooManyRequests, "backpressure"},
				{service.ErrInvalidUser, http.StatusBadRequest, "invalid_submission"},
				{service.ErrNotStarted, http.StatusServiceUnavailable, "unavailable"},
				{errors.New("disk full"), http.StatusInternalServerError, "internal"},
			}
			for _, c := range cases {
				deps.submitErr = c.err
				w := serve(mux, http.MethodPost, "/scores", validScore)
				So(w.Code, ShouldEqual, c.status)
				So(decode(w)["code"], ShouldEqual, c.code)
			}
		})
	})
}

func TestSummaryHandler_HandleGetSummary(t *testing.T) {
	Convey("Given a summary endpoint", t, func() {
		deps := &mockDependencies{sum: service.UserSummary{
			Radars: []model.GrooveRadarVector{{PlayStyle: 1, Radar: model.Radar{Stream: 90}}},
			Buckets: []model.HistogramBucket{
				{ID: "b1", Key: model.ClearLampKey("alice", 1, 10, model.Clear), Count: 1},
				{ID: "b2", Key: model.RankKey("alice", 1, 10, "AA"), Count: 1},
			},
		}}
		mux := http.NewServeMux()
		api.NewServer(deps, &mockStatsProvider{}).Register(mux)

		Convey("When a user's summary is requested", func() {
			w := serve(mux, http.MethodGet, "/summary/alice", "")

			Convey("Then radars and buckets are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode(w)
				So(body["user_id"], ShouldEqual, "alice")
				radars := body["radars"].([]any)
				So(radars[0].(map[string]any)["stream"], ShouldEqual, 90.0)
				buckets := body["buckets"].([]any)
				So(len(buckets), ShouldEqual, 2)
				first := buckets[0].(map[string]any)
				So(first["kind"], ShouldEqual, "clear_lamp")
				So(first["value"], ShouldEqual, "2")
				So(first["level"], ShouldEqual, 10.0)
			})
		})

		Convey("When the user id is missing", func() {
			So(serve(mux, http.MethodGet, "/summary/", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the store fails", func() {
			deps.sumErr = errors.New("boom")
			So(serve(mux, http.MethodGet, "/summary/alice", "").Code, ShouldEqual, http.StatusInternalServerError)
		})
	})
}

func TestReconcileHandler_HandlePostReconcile(t *testing.T) {
	Convey("Given a reconcile endpoint", t, func() {
		deps := &mockDependencies{report: summary.Report{Users: 2, Rows: 40, Created: 5, Zeroed: 3, Duration: 1500 * time.Millisecond}}
		mux := http.NewServeMux()
		api.NewServer(deps, &mockStatsProvider{}).Register(mux)

		Convey("When a run is triggered", func() {
			w := serve(mux, http.MethodPost, "/reconcile", "")

			Convey("Then the report is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				body := decode(w)
				So(body["users"], ShouldEqual, 2.0)
				So(body["rows"], ShouldEqual, 40.0)
				So(body["zeroed"], ShouldEqual, 3.0)
				So(body["duration_ms"], ShouldEqual, 1500.0)
			})
		})

		Convey("When the method is wrong", func() {
			So(serve(mux, http.MethodGet, "/reconcile", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestServer_EndToEnd(t *testing.T) {
	Convey("Given the API in front of a running service", t, func() {
		ctx := context.Background()
		cat, err := chart.NewCatalog(
			chart.Chart{SongID: "s1", PlayStyle: 1, Difficulty: 2, Level: 10, Radar: &model.Radar{Stream: 100}},
			chart.Chart{SongID: "s2", PlayStyle: 1, Difficulty: 3, Level: 10, Radar: &model.Radar{Voltage: 100}},
		)
		So(err, ShouldBeNil)
		svc := service.New(service.WithCatalog(cat), service.WithWorkerCount(1))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		mux := http.NewServeMux()
		api.NewServer(svc, svc).Register(mux)

		Convey("When a score is posted and reconciliation runs", func() {
			So(serve(mux, http.MethodPost, "/scores", validScore).Code, ShouldEqual, http.StatusCreated)
			So(serve(mux, http.MethodPost, "/scores", validScore).Code, ShouldEqual, http.StatusOK)
			So(serve(mux, http.MethodPost, "/scores", strings.Replace(validScore, `"s1"`, `"zz"`, 1)).Code, ShouldEqual, http.StatusNotFound)

			deadline := time.Now().Add(3 * time.Second)
			for svc.Pending() > 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			So(serve(mux, http.MethodPost, "/reconcile", "").Code, ShouldEqual, http.StatusOK)

			Convey("Then the summary holds the played and not-played buckets", func() {
				w := serve(mux, http.MethodGet, "/summary/alice", "")
				So(w.Code, ShouldEqual, http.StatusOK)

				counts := make(map[string]float64)
				for _, b := range decode(w)["buckets"].([]any) {
					m := b.(map[string]any)
					counts[m["kind"].(string)+"/"+m["value"].(string)] = m["count"].(float64)
				}
				So(counts["clear_lamp/2"], ShouldEqual, 1.0)
				So(counts["clear_lamp/-1"], ShouldEqual, 1.0)
				So(counts["rank/AA"], ShouldEqual, 1.0)
				So(counts["rank/-"], ShouldEqual, 1.0)
			})
		})
	})
}
