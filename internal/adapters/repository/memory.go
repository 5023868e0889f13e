package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/pkg/logger"
	"github.com/okian/stepscore/pkg/metrics"
)

type ownedChart struct {
	userID string
	chart  model.ChartKey
}

type radarKey struct {
	userID    string
	playStyle int
}

// MemoryStore keeps scores and summaries in process memory.
type MemoryStore struct {
	mu sync.RWMutex

	records map[string]model.ScoreRecord
	active  map[ownedChart]string
	byUser  map[string]map[string]struct{}

	buckets     map[string]model.HistogramBucket
	bucketByKey map[model.BucketKey]string
	radars      map[radarKey]model.GrooveRadarVector

	opts options
	log  logger.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &MemoryStore{
		records:     make(map[string]model.ScoreRecord),
		active:      make(map[ownedChart]string),
		byUser:      make(map[string]map[string]struct{}),
		buckets:     make(map[string]model.HistogramBucket),
		bucketByKey: make(map[model.BucketKey]string),
		radars:      make(map[radarKey]model.GrooveRadarVector),
		opts:        o,
		log:         o.log,
	}
	if s.log == nil {
		s.log = logger.Get().Named("memory-store")
	}
	return s
}

func (s *MemoryStore) ListByUserAndChart(_ context.Context, userID string, chart model.ChartKey) ([]model.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[ownedChart{userID, chart}]
	if !ok {
		return nil, nil
	}
	return []model.ScoreRecord{s.records[id]}, nil
}

func (s *MemoryStore) ListActiveByUser(_ context.Context, userID string) ([]model.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ScoreRecord
	for id := range s.byUser[userID] {
		if r := s.records[id]; !r.State.IsExpiring() {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) BatchWrite(ctx context.Context, create []model.ScoreRecord, softDelete []model.SoftDelete) ([]model.ScoreRecord, error) {
	now := s.opts.now()

	s.mu.Lock()
	// Validate everything before mutating so a failed batch leaves no trace.
	releasing := make(map[string]bool, len(softDelete))
	for _, d := range softDelete {
		if _, ok := s.records[d.ID]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("soft delete %s: %w", d.ID, ErrNotFound)
		}
		releasing[d.ID] = true
	}
	claimed := make(map[ownedChart]bool, len(create))
	for _, r := range create {
		oc := ownedChart{r.UserID, r.Chart()}
		if id, ok := s.active[oc]; (ok && !releasing[id]) || claimed[oc] {
			s.mu.Unlock()
			return nil, fmt.Errorf("active record exists for %s/%s: %w", r.UserID, r.Chart(), ErrConflict)
		}
		claimed[oc] = true
	}

	var changed []model.ScoreRecord
	for _, d := range softDelete {
		r := s.records[d.ID]
		if r.State.IsExpiring() {
			continue
		}
		r.State = model.Expiring(d.TTLSeconds, now)
		s.records[d.ID] = r
		if oc := (ownedChart{r.UserID, r.Chart()}); s.active[oc] == r.ID {
			delete(s.active, oc)
		}
		changed = append(changed, r)
	}

	created := make([]model.ScoreRecord, 0, len(create))
	for _, r := range create {
		r.ID = uuid.NewString()
		r.State = model.Active()
		s.records[r.ID] = r
		s.active[ownedChart{r.UserID, r.Chart()}] = r.ID
		ids := s.byUser[r.UserID]
		if ids == nil {
			ids = make(map[string]struct{})
			s.byUser[r.UserID] = ids
		}
		ids[r.ID] = struct{}{}
		created = append(created, r)
	}
	changed = append(created[:len(created):len(created)], changed...)
	activeCount := len(s.active)
	s.mu.Unlock()

	metrics.RecordRecordsCreated(len(created))
	metrics.RecordRecordsSoftDeleted(len(changed) - len(created))
	metrics.UpdateActiveRecords(activeCount)
	publish(ctx, s.opts, s.log, changed, now)
	return created, nil
}

func (s *MemoryStore) ScanActive(ctx context.Context, fn func(model.ScoreRecord) error) error {
	s.mu.RLock()
	out := make([]model.ScoreRecord, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.records[id])
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, r := range out {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.records {
		if !r.State.IsExpiring() || r.State.ExpiresAt.After(now) {
			continue
		}
		delete(s.records, id)
		delete(s.byUser[r.UserID], id)
		if len(s.byUser[r.UserID]) == 0 {
			delete(s.byUser, r.UserID)
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), nil
}

func (s *MemoryStore) ListBucketsForUser(_ context.Context, userID string) ([]model.HistogramBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HistogramBucket
	for _, b := range s.buckets {
		if b.Key.UserID == userID {
			out = append(out, b)
		}
	}
	sortBuckets(out)
	return out, nil
}

func (s *MemoryStore) ListAllBuckets(_ context.Context) ([]model.HistogramBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.HistogramBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	sortBuckets(out)
	return out, nil
}

func (s *MemoryStore) UpsertBucket(_ context.Context, b model.HistogramBucket) (model.HistogramBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		if _, ok := s.bucketByKey[b.Key]; ok {
			return model.HistogramBucket{}, fmt.Errorf("bucket %s created concurrently: %w", b.Key, ErrConflict)
		}
		b.ID = uuid.NewString()
		b.Version = 1
		s.putBucket(b)
		return b, nil
	}

	stored, ok := s.buckets[b.ID]
	if !ok {
		return model.HistogramBucket{}, fmt.Errorf("bucket %s: %w", b.ID, ErrNotFound)
	}
	if stored.Version != b.Version || stored.Key != b.Key {
		return model.HistogramBucket{}, fmt.Errorf("bucket %s at version %d: %w", b.Key, b.Version, ErrConflict)
	}
	b.Version++
	s.putBucket(b)
	return b, nil
}

func (s *MemoryStore) ReplaceBuckets(_ context.Context, buckets []model.HistogramBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		id := b.ID
		if _, ok := s.buckets[id]; id == "" || !ok {
			if existing, ok := s.bucketByKey[b.Key]; ok {
				id = existing
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		b.ID = id
		b.Version = s.buckets[id].Version + 1
		s.putBucket(b)
	}
	metrics.UpdateBucketRows(len(s.buckets))
	return nil
}

// putBucket stores b and keeps the key index in sync. Must hold s.mu.
func (s *MemoryStore) putBucket(b model.HistogramBucket) {
	if old, ok := s.buckets[b.ID]; ok && old.Key != b.Key && s.bucketByKey[old.Key] == b.ID {
		delete(s.bucketByKey, old.Key)
	}
	s.buckets[b.ID] = b
	if _, ok := s.bucketByKey[b.Key]; !ok {
		s.bucketByKey[b.Key] = b.ID
	}
}

func (s *MemoryStore) UpsertRadar(_ context.Context, v model.GrooveRadarVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.radars[radarKey{v.UserID, v.PlayStyle}] = v
	return nil
}

func (s *MemoryStore) ListRadar(_ context.Context, userID string) ([]model.GrooveRadarVector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.GrooveRadarVector
	for _, ps := range model.PlayStyles {
		if v, ok := s.radars[radarKey{userID, ps}]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortRecords(rs []model.ScoreRecord) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.SongID != b.SongID {
			return a.SongID < b.SongID
		}
		if a.PlayStyle != b.PlayStyle {
			return a.PlayStyle < b.PlayStyle
		}
		if a.Difficulty != b.Difficulty {
			return a.Difficulty < b.Difficulty
		}
		return a.ID < b.ID
	})
}

func sortBuckets(bs []model.HistogramBucket) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Key != bs[j].Key {
			return bs[i].Key.Less(bs[j].Key)
		}
		return bs[i].ID < bs[j].ID
	})
}
