package scoresim

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/merge"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/summary"
)

// Expectation folds accepted plays into the best result per player and chart
// with the same merge rules the service applies.
type Expectation struct {
	policy *merge.Policy
	best   map[string]map[model.ChartKey]model.ScoreRecord
}

// NewExpectation creates an empty expectation.
func NewExpectation() *Expectation {
	return &Expectation{
		policy: merge.NewPolicy(),
		best:   make(map[string]map[model.ChartKey]model.ScoreRecord),
	}
}

// Add folds one accepted play.
func (e *Expectation) Add(p Play) {
	charts := e.best[p.Player.ID]
	if charts == nil {
		charts = make(map[model.ChartKey]model.ScoreRecord)
		e.best[p.Player.ID] = charts
	}
	var existing []model.ScoreRecord
	if r, ok := charts[p.Chart.Key()]; ok {
		existing = []model.ScoreRecord{r}
	}
	owner := merge.Owner{ID: model.Real(p.Player.ID), Name: p.Player.Name, IsPublic: p.Player.IsPublic}
	res := e.policy.Merge(p.Chart, owner, existing, merge.Submission{
		Score:     p.Score,
		ExScore:   p.Ex,
		MaxCombo:  p.Combo,
		ClearLamp: p.Lamp,
		Rank:      p.Rank,
	})
	if len(res.Create) == 1 {
		charts[p.Chart.Key()] = res.Create[0]
	}
}

// Users returns the ids of players with at least one accepted play, sorted.
func (e *Expectation) Users() []string {
	out := make([]string, 0, len(e.best))
	for id := range e.best {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Played returns the expected non-zero played bucket counts of a user.
func (e *Expectation) Played(userID string) map[model.BucketKey]int {
	out := make(map[model.BucketKey]int)
	for _, r := range e.best[userID] {
		if !summary.Participates(r) {
			continue
		}
		out[model.ClearLampKey(userID, r.PlayStyle, r.Level, r.ClearLamp)]++
		out[model.RankKey(userID, r.PlayStyle, r.Level, r.Rank)]++
	}
	return out
}

// Buckets converts a summary response to histogram buckets.
func Buckets(s Summary) []model.HistogramBucket {
	out := make([]model.HistogramBucket, 0, len(s.Buckets))
	for _, b := range s.Buckets {
		out = append(out, model.HistogramBucket{
			ID: b.ID,
			Key: model.BucketKey{
				UserID:    s.UserID,
				Kind:      model.BucketKind(b.Kind),
				PlayStyle: b.PlayStyle,
				Level:     b.Level,
				Value:     b.Value,
			},
			Count: b.Count,
		})
	}
	return out
}

// Verify checks a reconciled summary against the catalog totals and, when
// expected is non-nil, against the expected played buckets. It returns one
// message per violation.
func Verify(s Summary, totals map[chart.LevelKey]int, expected map[model.BucketKey]int) []string {
	buckets := Buckets(s)
	out := summary.Conservation(buckets, totals)
	if expected == nil {
		return out
	}

	got := make(map[model.BucketKey]int)
	for _, b := range buckets {
		if b.Count == 0 || notPlayed(b.Key) {
			continue
		}
		got[b.Key] += b.Count
	}
	for k, n := range expected {
		if got[k] != n {
			out = append(out, fmt.Sprintf("%s: expected %d, got %d", k, n, got[k]))
		}
	}
	for k, n := range got {
		if _, ok := expected[k]; !ok {
			out = append(out, fmt.Sprintf("%s: unexpected count %d", k, n))
		}
	}
	sort.Strings(out)
	return out
}

func notPlayed(k model.BucketKey) bool {
	switch k.Kind {
	case model.ClearLampBucket:
		return k.Value == strconv.Itoa(int(model.NotPlayed))
	case model.RankBucket:
		return k.Value == string(model.NoRank)
	}
	return false
}
