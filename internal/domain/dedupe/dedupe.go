// Package dedupe tracks which score changes the aggregator already applied so a
// redelivered change batch does not count the same transition twice.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/stepscore/internal/domain/model"
)

// Deduper records seen change keys.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord forgets key so a change whose application failed can be
	// applied again on redelivery.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// ChangeKey identifies one state transition of one record. A record produces
// two keys over its life: once when created and once when soft-deleted.
func ChangeKey(r model.ScoreRecord) string {
	return r.ID + ":" + r.State.String()
}

// inMemoryDeduper keeps a window of recent keys.
// For bounded mode (maxSize > 0) the oldest key is evicted first.
// For unbounded mode (maxSize <= 0) keys are never evicted.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]int // key -> slot in ring, -1 in unbounded mode
	ring    []string
	next    int
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50000,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.seen = make(map[string]int)
	if d.maxSize > 0 {
		d.ring = make([]string, 0, d.maxSize)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}

	if d.maxSize <= 0 {
		d.seen[key] = -1
		d.size.Add(1)
		return false
	}

	if len(d.ring) < d.maxSize {
		d.seen[key] = len(d.ring)
		d.ring = append(d.ring, key)
		d.size.Add(1)
		return false
	}

	// Ring is full: overwrite the oldest slot.
	if d.slotUsed(d.next) {
		delete(d.seen, d.ring[d.next])
		d.size.Add(-1)
	}
	d.ring[d.next] = key
	d.seen[key] = d.next
	d.next = (d.next + 1) % d.maxSize
	d.size.Add(1)
	return false
}

// slotUsed reports whether slot i currently backs a live key. Unrecord leaves
// holes in the ring; those must not evict anything.
func (d *inMemoryDeduper) slotUsed(i int) bool {
	slot, ok := d.seen[d.ring[i]]
	return ok && slot == i
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.seen[key]
	if !ok {
		return
	}
	delete(d.seen, key)
	if slot >= 0 {
		d.ring[slot] = ""
	}
	d.size.Add(-1)
}

// Size returns the current number of keys held.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
