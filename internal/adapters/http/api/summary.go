package api

import (
	"net/http"
	"strings"

	"github.com/okian/stepscore/internal/domain/model"
)

type summaryResponse struct {
	UserID  string           `json:"user_id"`
	Radars  []radarResponse  `json:"radars"`
	Buckets []bucketResponse `json:"buckets"`
}

type radarResponse struct {
	PlayStyle int `json:"play_style"`
	model.Radar
}

type bucketResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	PlayStyle int    `json:"play_style"`
	Level     int    `json:"level"`
	Value     string `json:"value"`
	Count     int    `json:"count"`
}

// SummaryHandler serves a user's derived statistics.
type SummaryHandler struct {
	deps Dependencies
}

// NewSummaryHandler creates a new summary handler.
func NewSummaryHandler(deps Dependencies) *SummaryHandler {
	return &SummaryHandler{deps: deps}
}

// HandleGetSummary handles GET /summary/{userId} requests.
func (h *SummaryHandler) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_summary"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/summary/")
	if userID == "" || strings.Contains(userID, "/") {
		fail(w, op, NewKind(op, ErrBadRequest))
		return
	}

	sum, err := h.deps.Summary(r.Context(), userID)
	if err != nil {
		fail(w, op, err)
		return
	}

	resp := summaryResponse{
		UserID:  sum.UserID,
		Radars:  make([]radarResponse, 0, len(sum.Radars)),
		Buckets: make([]bucketResponse, 0, len(sum.Buckets)),
	}
	for _, v := range sum.Radars {
		resp.Radars = append(resp.Radars, radarResponse{PlayStyle: v.PlayStyle, Radar: v.Radar})
	}
	for _, b := range sum.Buckets {
		resp.Buckets = append(resp.Buckets, bucketResponse{
			ID:        b.ID,
			Kind:      string(b.Key.Kind),
			PlayStyle: b.Key.PlayStyle,
			Level:     b.Key.Level,
			Value:     b.Key.Value,
			Count:     b.Count,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
