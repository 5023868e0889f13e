// Package chart resolves chart metadata (level and radar stats) used when
// building score records and when counting charts per level.
package chart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/stepscore/internal/domain/model"
)

// Sentinel errors.
var (
	ErrUnknownChart = errors.New("unknown chart")
	ErrInvalidChart = errors.New("invalid chart")
)

// Chart describes one playable (song, play style, difficulty) unit.
type Chart struct {
	SongID     string       `koanf:"song_id"`
	SongName   string       `koanf:"song_name"`
	PlayStyle  int          `koanf:"play_style"`
	Difficulty int          `koanf:"difficulty"`
	Level      int          `koanf:"level"`
	Radar      *model.Radar `koanf:"radar"` // nil for course charts
}

// Key returns the chart key.
func (c Chart) Key() model.ChartKey {
	return model.ChartKey{SongID: c.SongID, PlayStyle: c.PlayStyle, Difficulty: c.Difficulty}
}

// IsCourse reports whether c is a composite chart without per-stat radar.
func (c Chart) IsCourse() bool { return c.Radar == nil }

func (c Chart) validate() error {
	switch {
	case c.SongID == "":
		return fmt.Errorf("%w: missing song_id", ErrInvalidChart)
	case c.PlayStyle != model.Single && c.PlayStyle != model.Double:
		return fmt.Errorf("%w: %s: play_style %d", ErrInvalidChart, c.SongID, c.PlayStyle)
	case c.Difficulty < model.MinDifficulty || c.Difficulty > model.MaxDifficulty:
		return fmt.Errorf("%w: %s: difficulty %d", ErrInvalidChart, c.SongID, c.Difficulty)
	case c.Level < model.MinLevel || c.Level > model.MaxLevel:
		return fmt.Errorf("%w: %s: level %d", ErrInvalidChart, c.SongID, c.Level)
	case c.Radar != nil && !c.Radar.Valid():
		return fmt.Errorf("%w: %s: negative radar stat %+v", ErrInvalidChart, c.SongID, *c.Radar)
	}
	return nil
}

// LevelKey groups charts for histogram totals.
type LevelKey struct {
	PlayStyle int
	Level     int
}

// Resolver resolves chart metadata.
type Resolver interface {
	Resolve(ctx context.Context, key model.ChartKey) (Chart, error)
}

// Catalog is an in-memory Resolver that also knows how many standalone charts
// exist per (play style, level).
type Catalog struct {
	mu     sync.RWMutex
	charts map[model.ChartKey]Chart
}

// NewCatalog builds a catalog from charts. Later duplicates replace earlier ones.
func NewCatalog(charts ...Chart) (*Catalog, error) {
	c := &Catalog{charts: make(map[model.ChartKey]Chart, len(charts))}
	for _, ch := range charts {
		if err := ch.validate(); err != nil {
			return nil, err
		}
		c.charts[ch.Key()] = ch
	}
	return c, nil
}

type catalogFile struct {
	Charts []Chart `koanf:"charts"`
}

// LoadFile reads a YAML catalog of the form `charts: [{song_id, ...}]`.
func LoadFile(_ context.Context, path string) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load chart catalog %s: %w", path, err)
	}
	var f catalogFile
	if err := k.UnmarshalWithConf("", &f, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode chart catalog %s: %w", path, err)
	}
	return NewCatalog(f.Charts...)
}

// Resolve returns the chart for key or ErrUnknownChart.
func (c *Catalog) Resolve(_ context.Context, key model.ChartKey) (Chart, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.charts[key]
	if !ok {
		return Chart{}, fmt.Errorf("%w: %s", ErrUnknownChart, key)
	}
	return ch, nil
}

// Add inserts or replaces a chart.
func (c *Catalog) Add(ch Chart) error {
	if err := ch.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charts[ch.Key()] = ch
	return nil
}

// Len returns the number of charts.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.charts)
}

// Charts returns every chart ordered by key.
func (c *Catalog) Charts() []Chart {
	c.mu.RLock()
	out := make([]Chart, 0, len(c.charts))
	for _, ch := range c.charts {
		out = append(out, ch)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.SongID != b.SongID {
			return a.SongID < b.SongID
		}
		if a.PlayStyle != b.PlayStyle {
			return a.PlayStyle < b.PlayStyle
		}
		return a.Difficulty < b.Difficulty
	})
	return out
}

// Totals counts standalone charts per (play style, level). Course charts do
// not take part in histograms and are not counted.
func (c *Catalog) Totals(_ context.Context) map[LevelKey]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[LevelKey]int)
	for _, ch := range c.charts {
		if ch.IsCourse() {
			continue
		}
		out[LevelKey{PlayStyle: ch.PlayStyle, Level: ch.Level}]++
	}
	return out
}
