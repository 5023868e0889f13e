package scoresim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"golang.org/x/time/rate"
)

// Submission outcomes.
const (
	OutcomeImproved  = "improved"
	OutcomeUnchanged = "unchanged"
	OutcomeRejected  = "rejected"
)

// ErrUnexpectedStatus is returned for responses the simulator cannot use.
var ErrUnexpectedStatus = errors.New("unexpected status")

// ScoreRequest is the body of POST /scores.
type ScoreRequest struct {
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

// Bucket is one histogram bucket of a summary response.
type Bucket struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	PlayStyle int    `json:"play_style"`
	Level     int    `json:"level"`
	Value     string `json:"value"`
	Count     int    `json:"count"`
}

// Summary is the body of GET /summary/{userId}.
type Summary struct {
	UserID  string           `json:"user_id"`
	Radars  []map[string]int `json:"radars"`
	Buckets []Bucket         `json:"buckets"`
}

// ReconcileReport is the body of POST /reconcile.
type ReconcileReport struct {
	Users      int   `json:"users"`
	Rows       int   `json:"rows"`
	Created    int   `json:"created"`
	Zeroed     int   `json:"zeroed"`
	DurationMS int64 `json:"duration_ms"`
}

// Client talks to the service API. Every request waits on a shared limiter.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client. A non-positive perSecond disables throttling.
func NewClient(baseURL string, timeout time.Duration, perSecond float64, burst int) *Client {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, http.StatusOK)
	return err
}

// SubmitScore posts one play and reports its outcome.
func (c *Client) SubmitScore(ctx context.Context, req ScoreRequest) (string, error) {
	status, err := c.do(ctx, http.MethodPost, "/scores", req, nil,
		http.StatusCreated, http.StatusOK, http.StatusTooManyRequests)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusCreated:
		return OutcomeImproved, nil
	case http.StatusOK:
		return OutcomeUnchanged, nil
	default:
		return OutcomeRejected, nil
	}
}

// Summary fetches a user's derived statistics.
func (c *Client) Summary(ctx context.Context, userID string) (Summary, error) {
	var out Summary
	_, err := c.do(ctx, http.MethodGet, "/summary/"+userID, nil, &out, http.StatusOK)
	return out, err
}

// Reconcile triggers a reconciliation run and waits for its report.
func (c *Client) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var out ReconcileReport
	_, err := c.do(ctx, http.MethodPost, "/reconcile", nil, &out, http.StatusOK)
	return out, err
}

// Stats fetches GET /stats.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	_, err := c.do(ctx, http.MethodGet, "/stats", nil, &out, http.StatusOK)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	if !slices.Contains(accept, resp.StatusCode) {
		return resp.StatusCode, fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
