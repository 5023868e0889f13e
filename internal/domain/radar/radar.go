// Package radar defines the contract for computing groove radar vectors from
// a user's current best results.
package radar

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/stepscore/internal/domain/model"
)

// ForScore scales a chart's radar stats by the achieved score. The result is
// what a record contributes to its owner's radar.
func ForScore(chart model.Radar, score int) model.Radar {
	if score <= 0 {
		return model.Radar{}
	}
	if score > model.MaxScore {
		score = model.MaxScore
	}
	scale := func(v int) int { return v * score / model.MaxScore }
	return model.Radar{
		Stream:  scale(chart.Stream),
		Voltage: scale(chart.Voltage),
		Air:     scale(chart.Air),
		Freeze:  scale(chart.Freeze),
		Chaos:   scale(chart.Chaos),
	}
}

// Generator computes a user's radar for one play style. Implementations are
// opaque to callers; the aggregation core only relies on this signature.
type Generator interface {
	Generate(ctx context.Context, userID string, playStyle int) (model.GrooveRadarVector, error)
}

// Source provides a user's current best records.
type Source interface {
	ListActiveByUser(ctx context.Context, userID string) ([]model.ScoreRecord, error)
}

// Option applies a configuration option to the MaxGenerator.
type Option func(*MaxGenerator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *MaxGenerator) {
		if now != nil {
			g.now = now
		}
	}
}

// MaxGenerator takes, per stat, the maximum contribution over the user's
// active standalone records of the play style.
type MaxGenerator struct {
	source Source
	now    func() time.Time
}

// NewMaxGenerator creates a generator reading from source.
func NewMaxGenerator(source Source, opts ...Option) *MaxGenerator {
	g := &MaxGenerator{
		source: source,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate computes the radar vector, honoring ctx for cancellation.
func (g *MaxGenerator) Generate(ctx context.Context, userID string, playStyle int) (model.GrooveRadarVector, error) {
	if err := ctx.Err(); err != nil {
		return model.GrooveRadarVector{}, fmt.Errorf("context cancelled: %w", err)
	}
	records, err := g.source.ListActiveByUser(ctx, userID)
	if err != nil {
		return model.GrooveRadarVector{}, fmt.Errorf("list records of %s: %w", userID, err)
	}

	var out model.Radar
	for i := range records {
		r := &records[i]
		if r.PlayStyle != playStyle || r.Radar == nil || r.State.IsExpiring() {
			continue
		}
		out = out.Max(*r.Radar)
	}

	return model.GrooveRadarVector{
		UserID:    userID,
		PlayStyle: playStyle,
		Radar:     out,
		UpdatedAt: g.now(),
	}, nil
}
