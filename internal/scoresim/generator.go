package scoresim

import (
	"fmt"
	"math/rand/v2"

	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/model"
)

// Player is a simulated user.
type Player struct {
	ID       string
	Name     string
	AreaCode int
	IsPublic bool
}

// Play is one submission by a player.
type Play struct {
	Player Player
	Chart  chart.Chart
	Score  int
	Ex     *int
	Combo  *int
	Lamp   model.ClearLamp
	Rank   model.Rank
}

// Generator produces deterministic random plays for a seed.
type Generator struct {
	rng     *rand.Rand
	charts  []chart.Chart
	players []Player
}

// NewGenerator creates a generator over the catalog's charts.
func NewGenerator(cfg *Config, catalog *chart.Catalog) (*Generator, error) {
	charts := catalog.Charts()
	if len(charts) == 0 {
		return nil, fmt.Errorf("%w: empty chart catalog", ErrInvalidConfig)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	players := make([]Player, cfg.Users)
	for i := range players {
		p := Player{
			ID:       fmt.Sprintf("player-%04d", i),
			Name:     fmt.Sprintf("Player %d", i),
			IsPublic: rng.IntN(4) != 0,
		}
		if cfg.Areas > 0 {
			p.AreaCode = 1 + rng.IntN(cfg.Areas)
		}
		players[i] = p
	}
	return &Generator{rng: rng, charts: charts, players: players}, nil
}

// Players returns the simulated players.
func (g *Generator) Players() []Player { return g.players }

// Plays generates n plays.
func (g *Generator) Plays(n int) []Play {
	out := make([]Play, n)
	for i := range out {
		out[i] = g.play()
	}
	return out
}

func (g *Generator) play() Play {
	p := Play{
		Player: g.players[g.rng.IntN(len(g.players))],
		Chart:  g.charts[g.rng.IntN(len(g.charts))],
	}
	// Most plays land in the upper half of the score range.
	p.Score = model.MaxScore - int(float64(model.MaxScore)*g.rng.Float64()*g.rng.Float64())
	p.Lamp = g.lamp(p.Score)
	p.Rank = rankFor(p.Score, p.Lamp)
	if g.rng.IntN(2) == 0 {
		ex := p.Score / 300
		p.Ex = &ex
	}
	if g.rng.IntN(3) == 0 {
		combo := g.rng.IntN(1000)
		p.Combo = &combo
	}
	return p
}

func (g *Generator) lamp(score int) model.ClearLamp {
	if g.rng.IntN(10) == 0 {
		return model.Failed
	}
	switch {
	case score == model.MaxScore:
		return model.MarvelousFC
	case score >= 990_000:
		return model.ClearLamp(int(model.GoodFC) + g.rng.IntN(3))
	case score >= 900_000:
		return model.ClearLamp(int(model.Assisted) + g.rng.IntN(4))
	default:
		return model.ClearLamp(int(model.Assisted) + g.rng.IntN(2))
	}
}

var rankThresholds = []struct {
	min  int
	rank model.Rank
}{
	{990_000, "AAA"},
	{950_000, "AA+"},
	{900_000, "AA"},
	{890_000, "AA-"},
	{850_000, "A+"},
	{800_000, "A"},
	{790_000, "A-"},
	{750_000, "B+"},
	{700_000, "B"},
	{690_000, "B-"},
	{650_000, "C+"},
	{600_000, "C"},
	{590_000, "C-"},
	{550_000, "D+"},
	{0, "D"},
}

// rankFor maps a score to its letter grade. A failed play is graded E.
func rankFor(score int, lamp model.ClearLamp) model.Rank {
	if lamp == model.Failed {
		return "E"
	}
	for _, t := range rankThresholds {
		if score >= t.min {
			return t.rank
		}
	}
	return "D"
}
