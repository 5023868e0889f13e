// Package merge decides whether a submitted play result supersedes the stored
// best result for a chart and stages the store operations that apply it.
//
// Inputs are assumed validated: the chart is known and the submission passed
// request validation. Records are never mutated in place; an improvement always
// creates a new record and schedules the old one for removal.
package merge

import (
	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/radar"
)

// DefaultSoftDeleteTTL is how long a superseded record stays observable.
const DefaultSoftDeleteTTL = 3600

// Submission is one submitted play result.
type Submission struct {
	Score     int
	ExScore   *int
	MaxCombo  *int
	ClearLamp model.ClearLamp
	Rank      model.Rank
}

// Owner is the identity a record is stored under.
type Owner struct {
	ID       model.UserID
	Name     string
	IsPublic bool
}

// Result holds the staged store operations. Reported excludes records owned by
// aggregate pseudo-users.
type Result struct {
	Create     []model.ScoreRecord
	SoftDelete []model.SoftDelete
	Reported   []model.ScoreRecord
}

// Empty reports whether the merge staged nothing.
func (r Result) Empty() bool { return len(r.Create) == 0 && len(r.SoftDelete) == 0 }

// Append adds o's operations to r.
func (r *Result) Append(o Result) {
	r.Create = append(r.Create, o.Create...)
	r.SoftDelete = append(r.SoftDelete, o.SoftDelete...)
	r.Reported = append(r.Reported, o.Reported...)
}

// Option applies a configuration option to the Policy.
type Option func(*Policy)

// WithSoftDeleteTTL sets the ttl in seconds applied to superseded records.
func WithSoftDeleteTTL(seconds int) Option {
	return func(p *Policy) {
		if seconds > 0 {
			p.ttl = seconds
		}
	}
}

// Policy implements the best-of merge.
type Policy struct {
	ttl int
}

// NewPolicy creates a merge policy.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{ttl: DefaultSoftDeleteTTL}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TTL returns the soft-delete ttl in seconds.
func (p *Policy) TTL() int { return p.ttl }

// Merge combines the owner's existing records for ch with sub. Existing is
// normally empty or a single active record; extra records are folded into the
// baseline and scheduled for removal so one active record remains.
func (p *Policy) Merge(ch chart.Chart, owner Owner, existing []model.ScoreRecord, sub Submission) Result {
	base := baseline(existing)
	merged := best(base, sub)

	if len(existing) == 1 && sameResult(existing[0], merged) {
		return Result{}
	}

	rec := build(ch, owner, merged)
	res := Result{Create: []model.ScoreRecord{rec}}
	for _, old := range existing {
		res.SoftDelete = append(res.SoftDelete, model.SoftDelete{ID: old.ID, TTLSeconds: p.ttl})
	}
	if !owner.ID.IsAggregate() {
		res.Reported = append(res.Reported, rec)
	}
	return res
}

func baseline(existing []model.ScoreRecord) Submission {
	base := Submission{ClearLamp: model.Failed, Rank: model.NoRank}
	for _, r := range existing {
		base = best(base, Submission{
			Score:     r.Score,
			ExScore:   r.ExScore,
			MaxCombo:  r.MaxCombo,
			ClearLamp: r.ClearLamp,
			Rank:      r.Rank,
		})
	}
	return base
}

// best is the field-wise best of a and b, so a resubmission with equal score
// but richer detail still improves the record.
func best(a, b Submission) Submission {
	return Submission{
		Score:     max(a.Score, b.Score),
		ExScore:   maxPtr(a.ExScore, b.ExScore),
		MaxCombo:  maxPtr(a.MaxCombo, b.MaxCombo),
		ClearLamp: max(a.ClearLamp, b.ClearLamp),
		Rank:      model.MaxRank(a.Rank, b.Rank),
	}
}

func maxPtr(a, b *int) *int {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	}
	v := max(*a, *b)
	return &v
}

func sameResult(r model.ScoreRecord, s Submission) bool {
	return r.Score == s.Score &&
		r.ClearLamp == s.ClearLamp &&
		r.Rank == s.Rank &&
		equalPtr(r.ExScore, s.ExScore) &&
		equalPtr(r.MaxCombo, s.MaxCombo)
}

func equalPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func build(ch chart.Chart, owner Owner, s Submission) model.ScoreRecord {
	rec := model.ScoreRecord{
		UserID:     owner.ID.String(),
		UserName:   owner.Name,
		SongID:     ch.SongID,
		SongName:   ch.SongName,
		PlayStyle:  ch.PlayStyle,
		Difficulty: ch.Difficulty,
		Level:      ch.Level,
		Score:      s.Score,
		ExScore:    s.ExScore,
		MaxCombo:   s.MaxCombo,
		ClearLamp:  s.ClearLamp,
		Rank:       s.Rank,
		IsPublic:   owner.IsPublic,
		State:      model.Active(),
	}
	if !ch.IsCourse() {
		r := radar.ForScore(*ch.Radar, s.Score)
		rec.Radar = &r
	}
	return rec
}
