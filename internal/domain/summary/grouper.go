// Package summary maintains the per-user clear-lamp and rank histograms and
// groove radar vectors derived from score records.
//
// Two paths compute the same buckets: the Aggregator applies change batches
// incrementally and the Reconciler recomputes everything from the score table.
// Both go through the bucket keys defined here so their results converge.
package summary

import (
	"sort"

	"github.com/okian/stepscore/internal/domain/model"
)

// UserGroup is the slice of a change batch owned by one user.
type UserGroup struct {
	UserID  string
	Records []model.ScoreRecord
}

// Participates reports whether r counts toward per-user histograms. Course
// records carry no radar and pseudo-user records are aggregates themselves.
func Participates(r model.ScoreRecord) bool {
	return r.Radar != nil && !model.IsAggregateUserID(r.UserID)
}

// Group drops non-participating records and partitions the rest by user.
// Groups are ordered by user id; records keep their batch order.
func Group(records []model.ScoreRecord) []UserGroup {
	idx := make(map[string]int)
	var groups []UserGroup
	for _, r := range records {
		if !Participates(r) {
			continue
		}
		i, ok := idx[r.UserID]
		if !ok {
			i = len(groups)
			idx[r.UserID] = i
			groups = append(groups, UserGroup{UserID: r.UserID})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].UserID < groups[j].UserID })
	return groups
}

// bucketKeys returns the clear-lamp and rank keys r falls into.
func bucketKeys(r model.ScoreRecord) [2]model.BucketKey {
	return [2]model.BucketKey{
		model.ClearLampKey(r.UserID, r.PlayStyle, r.Level, r.ClearLamp),
		model.RankKey(r.UserID, r.PlayStyle, r.Level, r.Rank),
	}
}

// notPlayedKeys returns the keys counting unplayed charts at a level.
func notPlayedKeys(userID string, playStyle, level int) [2]model.BucketKey {
	return [2]model.BucketKey{
		model.ClearLampKey(userID, playStyle, level, model.NotPlayed),
		model.RankKey(userID, playStyle, level, model.NoRank),
	}
}

func sortBuckets(bs []model.HistogramBucket) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Key != bs[j].Key {
			return bs[i].Key.Less(bs[j].Key)
		}
		return bs[i].ID < bs[j].ID
	})
}
