package model

import (
	"fmt"
	"time"
)

// Play styles.
const (
	Single = 1
	Double = 2
)

// PlayStyles lists every play style in ascending order.
var PlayStyles = []int{Single, Double}

// Difficulty and level bounds.
const (
	MinDifficulty = 0
	MaxDifficulty = 4
	MinLevel      = 1
	MaxLevel      = 19
	MaxScore      = 1_000_000
)

// ClearLamp is an ordered clear classification; higher is better.
type ClearLamp int

const (
	NotPlayed   ClearLamp = -1
	Failed      ClearLamp = 0
	Assisted    ClearLamp = 1
	Clear       ClearLamp = 2
	Life4       ClearLamp = 3
	GoodFC      ClearLamp = 4
	GreatFC     ClearLamp = 5
	PerfectFC   ClearLamp = 6
	MarvelousFC ClearLamp = 7
)

// Valid reports whether l is a lamp a play can produce.
func (l ClearLamp) Valid() bool { return l >= Failed && l <= MarvelousFC }

// Rank is a letter grade. Its order is defined by rankOrder, not lexically.
type Rank string

// NoRank is the distinguished not-played grade.
const NoRank Rank = "-"

var rankOrder = map[Rank]int{
	NoRank: 0,
	"E":    1,
	"D":    2,
	"D+":   3,
	"C-":   4,
	"C":    5,
	"C+":   6,
	"B-":   7,
	"B":    8,
	"B+":   9,
	"A-":   10,
	"A":    11,
	"A+":   12,
	"AA-":  13,
	"AA":   14,
	"AA+":  15,
	"AAA":  16,
}

// Valid reports whether r is a grade a play can produce.
func (r Rank) Valid() bool {
	o, ok := rankOrder[r]
	return ok && o > 0
}

// Less reports whether r is a worse grade than o. Unknown grades sort first.
func (r Rank) Less(o Rank) bool { return rankOrder[r] < rankOrder[o] }

// MaxRank returns the better of two grades.
func MaxRank(a, b Rank) Rank {
	if a.Less(b) {
		return b
	}
	return a
}

// Radar holds the five groove radar stats.
type Radar struct {
	Stream  int `json:"stream"`
	Voltage int `json:"voltage"`
	Air     int `json:"air"`
	Freeze  int `json:"freeze"`
	Chaos   int `json:"chaos"`
}

// Valid reports whether every stat is non-negative.
func (r Radar) Valid() bool {
	return r.Stream >= 0 && r.Voltage >= 0 && r.Air >= 0 && r.Freeze >= 0 && r.Chaos >= 0
}

// Max returns the per-stat maximum of r and o.
func (r Radar) Max(o Radar) Radar {
	return Radar{
		Stream:  max(r.Stream, o.Stream),
		Voltage: max(r.Voltage, o.Voltage),
		Air:     max(r.Air, o.Air),
		Freeze:  max(r.Freeze, o.Freeze),
		Chaos:   max(r.Chaos, o.Chaos),
	}
}

// ChartKey identifies a chart.
type ChartKey struct {
	SongID     string
	PlayStyle  int
	Difficulty int
}

func (k ChartKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.SongID, k.PlayStyle, k.Difficulty)
}

// State is the lifecycle of a stored record. A record is either Active or
// Expiring; removal is always observable as the Active -> Expiring transition
// before the store erases the row.
type State struct {
	TTL       int       // seconds; zero while active
	ExpiresAt time.Time // zero while active
}

// Active returns the state of a live record.
func Active() State { return State{} }

// Expiring returns the state of a record scheduled for removal ttl seconds after now.
func Expiring(ttl int, now time.Time) State {
	return State{TTL: ttl, ExpiresAt: now.Add(time.Duration(ttl) * time.Second)}
}

// IsExpiring reports whether the record is being removed.
func (s State) IsExpiring() bool { return s.TTL > 0 }

func (s State) String() string {
	if s.IsExpiring() {
		return "expiring"
	}
	return "active"
}

// ScoreRecord is one user's best result on one chart.
type ScoreRecord struct {
	ID         string
	UserID     string
	UserName   string
	SongID     string
	SongName   string
	PlayStyle  int
	Difficulty int
	Level      int
	Score      int
	ExScore    *int
	MaxCombo   *int
	ClearLamp  ClearLamp
	Rank       Rank
	Radar      *Radar // nil for course charts
	IsPublic   bool
	State      State
}

// Chart returns the chart key of r.
func (r ScoreRecord) Chart() ChartKey {
	return ChartKey{SongID: r.SongID, PlayStyle: r.PlayStyle, Difficulty: r.Difficulty}
}

// SoftDelete schedules an existing record for removal.
type SoftDelete struct {
	ID         string
	TTLSeconds int
}

// ChangeBatch is one delivery unit of changed score records.
type ChangeBatch struct {
	ID          string
	Records     []ScoreRecord
	PublishedAt time.Time
}
