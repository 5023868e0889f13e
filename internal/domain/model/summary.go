package model

import (
	"fmt"
	"strconv"
	"time"
)

// BucketKind selects which histogram a bucket belongs to.
type BucketKind string

const (
	ClearLampBucket BucketKind = "clear_lamp"
	RankBucket      BucketKind = "rank"
)

// BucketKey identifies a histogram bucket. Value holds the clear lamp as a
// decimal string or the rank grade, depending on Kind.
type BucketKey struct {
	UserID    string
	Kind      BucketKind
	PlayStyle int
	Level     int
	Value     string
}

// ClearLampKey builds the key of a clear-lamp bucket.
func ClearLampKey(userID string, playStyle, level int, lamp ClearLamp) BucketKey {
	return BucketKey{UserID: userID, Kind: ClearLampBucket, PlayStyle: playStyle, Level: level, Value: strconv.Itoa(int(lamp))}
}

// RankKey builds the key of a rank bucket.
func RankKey(userID string, playStyle, level int, rank Rank) BucketKey {
	return BucketKey{UserID: userID, Kind: RankBucket, PlayStyle: playStyle, Level: level, Value: string(rank)}
}

// Less orders keys by user, kind, play style, level, then value.
func (k BucketKey) Less(o BucketKey) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.PlayStyle != o.PlayStyle {
		return k.PlayStyle < o.PlayStyle
	}
	if k.Level != o.Level {
		return k.Level < o.Level
	}
	return k.Value < o.Value
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", k.UserID, k.Kind, k.PlayStyle, k.Level, k.Value)
}

// HistogramBucket counts the charts at (PlayStyle, Level) whose current best
// falls into Value. Rows are never hard-deleted; empty buckets keep Count 0.
type HistogramBucket struct {
	ID        string
	Key       BucketKey
	Count     int
	Version   int
	UpdatedAt time.Time
}

// GrooveRadarVector is a user's radar for one play style.
type GrooveRadarVector struct {
	UserID    string
	PlayStyle int
	Radar     Radar
	UpdatedAt time.Time
}
