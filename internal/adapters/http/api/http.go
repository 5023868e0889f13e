// Package api binds the score ingestion service to HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	service "github.com/okian/stepscore/internal/app"
	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/merge"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/summary"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	SubmitScore(ctx context.Context, user model.User, key model.ChartKey, sub merge.Submission) ([]model.ScoreRecord, error)
	Summary(ctx context.Context, userID string) (service.UserSummary, error)
	Reconcile(ctx context.Context) (summary.Report, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	scoresHandler    *ScoresHandler
	summaryHandler   *SummaryHandler
	reconcileHandler *ReconcileHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(statsProvider),
		scoresHandler:    NewScoresHandler(deps),
		summaryHandler:   NewSummaryHandler(deps),
		reconcileHandler: NewReconcileHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/scores", MetricsMiddleware(s.scoresHandler.HandlePostScore, "scores"))
	mux.HandleFunc("/summary/", MetricsMiddleware(s.summaryHandler.HandleGetSummary, "summary"))
	mux.HandleFunc("/reconcile", MetricsMiddleware(s.reconcileHandler.HandlePostReconcile, "reconcile"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// classify maps an error from the service to a response status and kind.
func classify(op string, err error) (int, string, error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request", err
	case errors.Is(err, ErrInvalidSubmission):
		return http.StatusBadRequest, "invalid_submission", err
	case errors.Is(err, service.ErrInvalidUser):
		return http.StatusBadRequest, "invalid_submission", WrapKind(op, ErrInvalidSubmission, err)
	case errors.Is(err, chart.ErrUnknownChart):
		return http.StatusNotFound, "unknown_chart", WrapKind(op, ErrNotFound, err)
	case errors.Is(err, service.ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure", WrapKind(op, ErrBackpressure, err)
	case errors.Is(err, service.ErrNotStarted):
		return http.StatusServiceUnavailable, "unavailable", Wrap(op, err)
	default:
		return http.StatusInternalServerError, "internal", WrapKind(op, ErrInternal, err)
	}
}

func fail(w http.ResponseWriter, op string, err error) {
	status, code, err := classify(op, err)
	writeError(w, status, code, err)
}
