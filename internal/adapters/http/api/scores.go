package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/okian/stepscore/internal/domain/merge"
	"github.com/okian/stepscore/internal/domain/model"
)

const maxBodyBytes = 1 << 16

// scoreRequest is the body of POST /scores.
type scoreRequest struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	AreaCode   int    `json:"area_code"`
	IsPublic   bool   `json:"is_public"`
	SongID     string `json:"song_id"`
	PlayStyle  int    `json:"play_style"`
	Difficulty int    `json:"difficulty"`
	Score      int    `json:"score"`
	ExScore    *int   `json:"ex_score,omitempty"`
	MaxCombo   *int   `json:"max_combo,omitempty"`
	ClearLamp  int    `json:"clear_lamp"`
	Rank       string `json:"rank"`
}

func (r scoreRequest) validate() error {
	switch {
	case !model.ValidRealUserID(r.UserID):
		return errors.New("user_id must be non-empty and not purely numeric")
	case r.AreaCode < 0:
		return errors.New("area_code must not be negative")
	case strings.TrimSpace(r.SongID) == "":
		return errors.New("missing song_id")
	case r.PlayStyle != model.Single && r.PlayStyle != model.Double:
		return fmt.Errorf("play_style must be %d or %d", model.Single, model.Double)
	case r.Difficulty < model.MinDifficulty || r.Difficulty > model.MaxDifficulty:
		return fmt.Errorf("difficulty must be in [%d, %d]", model.MinDifficulty, model.MaxDifficulty)
	case r.Score < 0 || r.Score > model.MaxScore:
		return fmt.Errorf("score must be in [0, %d]", model.MaxScore)
	case r.ExScore != nil && *r.ExScore < 0:
		return errors.New("ex_score must not be negative")
	case r.MaxCombo != nil && *r.MaxCombo < 0:
		return errors.New("max_combo must not be negative")
	case !model.ClearLamp(r.ClearLamp).Valid():
		return fmt.Errorf("clear_lamp must be in [%d, %d]", model.Failed, model.MarvelousFC)
	case !model.Rank(r.Rank).Valid():
		return fmt.Errorf("unknown rank %q", r.Rank)
	}
	return nil
}

func (r scoreRequest) user() model.User {
	return model.User{ID: r.UserID, Name: r.UserName, AreaCode: r.AreaCode, IsPublic: r.IsPublic}
}

func (r scoreRequest) chart() model.ChartKey {
	return model.ChartKey{SongID: r.SongID, PlayStyle: r.PlayStyle, Difficulty: r.Difficulty}
}

func (r scoreRequest) submission() merge.Submission {
	return merge.Submission{
		Score:     r.Score,
		ExScore:   r.ExScore,
		MaxCombo:  r.MaxCombo,
		ClearLamp: model.ClearLamp(r.ClearLamp),
		Rank:      model.Rank(r.Rank),
	}
}

type scoreResponse struct {
	Status  string           `json:"status"`
	Records []recordResponse `json:"records"`
}

type recordResponse struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	SongID     string       `json:"song_id"`
	PlayStyle  int          `json:"play_style"`
	Difficulty int          `json:"difficulty"`
	Level      int          `json:"level"`
	Score      int          `json:"score"`
	ExScore    *int         `json:"ex_score,omitempty"`
	MaxCombo   *int         `json:"max_combo,omitempty"`
	ClearLamp  int          `json:"clear_lamp"`
	Rank       string       `json:"rank"`
	Radar      *model.Radar `json:"radar,omitempty"`
	IsPublic   bool         `json:"is_public"`
}

func toRecordResponse(r model.ScoreRecord) recordResponse {
	return recordResponse{
		ID:         r.ID,
		UserID:     r.UserID,
		SongID:     r.SongID,
		PlayStyle:  r.PlayStyle,
		Difficulty: r.Difficulty,
		Level:      r.Level,
		Score:      r.Score,
		ExScore:    r.ExScore,
		MaxCombo:   r.MaxCombo,
		ClearLamp:  int(r.ClearLamp),
		Rank:       string(r.Rank),
		Radar:      r.Radar,
		IsPublic:   r.IsPublic,
	}
}

// ScoresHandler handles score submissions.
type ScoresHandler struct {
	deps Dependencies
}

// NewScoresHandler creates a new scores handler.
func NewScoresHandler(deps Dependencies) *ScoresHandler {
	return &ScoresHandler{deps: deps}
}

// HandlePostScore handles POST /scores requests. It answers 201 when the
// submission improved the user's record and 200 when it did not.
func (h *ScoresHandler) HandlePostScore(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_score"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req scoreRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		fail(w, op, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		fail(w, op, WrapKind(op, ErrInvalidSubmission, err))
		return
	}

	created, err := h.deps.SubmitScore(r.Context(), req.user(), req.chart(), req.submission())
	if err != nil {
		fail(w, op, err)
		return
	}

	resp := scoreResponse{Status: "unchanged", Records: make([]recordResponse, 0, len(created))}
	for _, rec := range created {
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	if len(created) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "improved"
	writeJSON(w, http.StatusCreated, resp)
}
