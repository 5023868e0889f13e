package scoresim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/pkg/logger"
)

const (
	idlePollInterval = 200 * time.Millisecond
	maxRejectRetries = 5
	rejectBackoff    = 50 * time.Millisecond
)

// ErrVerification is returned when a summary breaks an expected invariant.
var ErrVerification = errors.New("verification failed")

// Runner executes a simulation against one service.
type Runner struct {
	cfg     *Config
	catalog *chart.Catalog
	client  *Client
	log     logger.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg *Config, catalog *chart.Catalog) *Runner {
	return &Runner{
		cfg:     cfg,
		catalog: catalog,
		client:  NewClient(cfg.BaseURL, cfg.Timeout, cfg.Rate, cfg.Workers),
		log:     logger.Get().Named("scoresim"),
	}
}

// Run submits the generated plays, waits for the service to go idle, triggers
// reconciliation and verifies every player's summary. Verification failures
// are reported in the stats and as ErrVerification.
func (r *Runner) Run(ctx context.Context) (*Stats, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	stats := &Stats{StartTime: time.Now()}

	r.log.Info(ctx, "starting score simulation",
		logger.String("baseURL", r.cfg.BaseURL),
		logger.Int("users", r.cfg.Users),
		logger.Int("submissions", r.cfg.Submissions),
		logger.Float64("rate", r.cfg.Rate),
		logger.Int("workers", r.cfg.Workers),
		logger.Int("charts", r.catalog.Len()),
	)

	if err := r.client.Health(ctx); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	gen, err := NewGenerator(r.cfg, r.catalog)
	if err != nil {
		return nil, err
	}
	plays := gen.Plays(r.cfg.Submissions)

	exp, uncertain, err := r.submit(ctx, plays, stats)
	if err != nil {
		return stats, fmt.Errorf("submission failed: %w", err)
	}

	if err := r.waitIdle(ctx); err != nil {
		return stats, err
	}

	rep, err := r.client.Reconcile(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile failed: %w", err)
	}
	stats.Reconcile = rep
	r.log.Info(ctx, "reconciliation completed",
		logger.Int("users", rep.Users),
		logger.Int("rows", rep.Rows),
		logger.Int("created", rep.Created),
		logger.Int("zeroed", rep.Zeroed),
	)

	if err := r.verify(ctx, exp, uncertain, stats); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(stats.StartTime)
	r.report(ctx, stats)
	if len(stats.Violations) > 0 {
		return stats, fmt.Errorf("%w: %d violations", ErrVerification, len(stats.Violations))
	}
	return stats, nil
}

// submit posts plays concurrently. Backpressure rejections are retried; plays
// that end in a transport error mark their player as uncertain.
func (r *Runner) submit(ctx context.Context, plays []Play, stats *Stats) (*Expectation, map[string]bool, error) {
	var (
		mu        sync.Mutex
		exp       = NewExpectation()
		uncertain = make(map[string]bool)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, p := range plays {
		g.Go(func() error {
			outcome, err := r.submitOne(gctx, p)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			stats.Submitted++
			switch {
			case err != nil:
				stats.Failed++
				uncertain[p.Player.ID] = true
				if r.cfg.Verbose {
					r.log.Warn(gctx, "submission failed", logger.String("user_id", p.Player.ID), logger.Error(err))
				}
			case outcome == OutcomeRejected:
				stats.Rejected++
			case outcome == OutcomeImproved:
				stats.Improved++
				exp.Add(p)
			default:
				stats.Unchanged++
				exp.Add(p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return exp, uncertain, nil
}

func (r *Runner) submitOne(ctx context.Context, p Play) (string, error) {
	req := ScoreRequest{
		UserID:     p.Player.ID,
		UserName:   p.Player.Name,
		AreaCode:   p.Player.AreaCode,
		IsPublic:   p.Player.IsPublic,
		SongID:     p.Chart.SongID,
		PlayStyle:  p.Chart.PlayStyle,
		Difficulty: p.Chart.Difficulty,
		Score:      p.Score,
		ExScore:    p.Ex,
		MaxCombo:   p.Combo,
		ClearLamp:  int(p.Lamp),
		Rank:       string(p.Rank),
	}
	for attempt := 0; ; attempt++ {
		outcome, err := r.client.SubmitScore(ctx, req)
		if err != nil || outcome != OutcomeRejected || attempt == maxRejectRetries {
			return outcome, err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(rejectBackoff << attempt):
		}
	}
}

// waitIdle polls /stats until no change batch is queued or in flight.
func (r *Runner) waitIdle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Settle)
	defer cancel()

	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		s, err := r.client.Stats(ctx)
		if err == nil && number(s["queueLength"]) == 0 && number(s["pendingBatches"]) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service did not go idle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Runner) verify(ctx context.Context, exp *Expectation, uncertain map[string]bool, stats *Stats) error {
	totals := r.catalog.Totals(ctx)
	for _, id := range exp.Users() {
		sum, err := r.client.Summary(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch summary of %s: %w", id, err)
		}
		expected := exp.Played(id)
		if uncertain[id] {
			expected = nil
		}
		stats.Violations = append(stats.Violations, Verify(sum, totals, expected)...)
		stats.Verified++
	}
	for _, v := range stats.Violations {
		r.log.Error(ctx, "summary violation", logger.String("violation", v))
	}
	return nil
}

func (r *Runner) report(ctx context.Context, stats *Stats) {
	var perSecond float64
	if stats.Duration > 0 {
		perSecond = float64(stats.Submitted) / stats.Duration.Seconds()
	}
	r.log.Info(ctx, "final statistics",
		logger.Int("submitted", stats.Submitted),
		logger.Int("improved", stats.Improved),
		logger.Int("unchanged", stats.Unchanged),
		logger.Int("rejected", stats.Rejected),
		logger.Int("failed", stats.Failed),
		logger.Int("verified", stats.Verified),
		logger.Int("violations", len(stats.Violations)),
		logger.Duration("duration", stats.Duration),
		logger.Float64("submissionsPerSecond", perSecond),
	)
}

// number reads a JSON number; a missing field counts as zero.
func number(v any) float64 {
	f, _ := v.(float64)
	return f
}
