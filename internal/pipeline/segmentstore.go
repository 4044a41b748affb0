package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// RetentionPolicy bounds how many segments a (stream, tier) may retain.
// Zero values mean "unlimited" for that dimension.
type RetentionPolicy struct {
	MaxSegments int
	MaxAge      time.Duration
}

// PutResult reports the outcome of a committed segment append: the live
// reference list after retention enforcement (oldest first) and the indices
// evicted by this append, if any.
type PutResult struct {
	Refs    []SegmentRef
	Evicted []int64
}

// EvictionObserver is informed, before evicted payloads become unreadable,
// which indices of a (stream, tier) are being dropped. keepFrom is the
// oldest index that survives. The ManifestBuilder implements this so no
// current manifest version references an evicted segment.
type EvictionObserver interface {
	SegmentsEvicted(id StreamID, tier Tier, keepFrom int64)
}

// SegmentStore is the append-only, contiguous-index segment map.
// Implementations can be in-memory or disk-backed; the pipeline and the API
// only depend on this contract.
type SegmentStore interface {
	// Put commits a segment under (id, tier). The index must be exactly the
	// next expected one: ErrDuplicateSegment if already committed or
	// evicted, ErrSegmentGap if it would leave a hole. Retention is
	// enforced on every put, evicting oldest indices first.
	Put(id StreamID, tier Tier, seg Segment) (PutResult, error)

	// Get returns the committed segment, or ErrNotFound if the index was
	// never written or has been evicted.
	Get(id StreamID, tier Tier, index int64) (Segment, error)

	// Refs returns the live reference list for (id, tier), oldest first.
	Refs(id StreamID, tier Tier) []SegmentRef

	// EvictAll drops every segment held for the identity, across tiers.
	EvictAll(id StreamID)

	// SegmentCount reports the total number of live segments, for metrics.
	SegmentCount() int
}

type segmentKey struct {
	id   StreamID
	tier Tier
}

// tierRun holds the contiguous run of live segments for one key.
// segs[0].Index == start; the next expected put index is next.
type tierRun struct {
	mu    sync.RWMutex
	start int64
	next  int64
	segs  []Segment
}

// MemorySegmentStore is the in-memory SegmentStore implementation.
// Writes for a given (stream, tier) are serialized per key; unrelated keys
// make progress independently. Reads take the key's read lock and return
// immutable segment values, so a get racing an eviction sees either the old
// value or ErrNotFound, never a torn read.
type MemorySegmentStore struct {
	mu       sync.RWMutex
	runs     map[segmentKey]*tierRun
	policy   RetentionPolicy
	observer EvictionObserver
	now      func() time.Time
}

// NewMemorySegmentStore returns an empty store enforcing policy on every
// put. observer may be nil to disable eviction notification (e.g. in tests).
func NewMemorySegmentStore(policy RetentionPolicy, observer EvictionObserver) *MemorySegmentStore {
	return &MemorySegmentStore{
		runs:     make(map[segmentKey]*tierRun),
		policy:   policy,
		observer: observer,
		now:      time.Now,
	}
}

// Put implements SegmentStore.Put.
func (s *MemorySegmentStore) Put(id StreamID, tier Tier, seg Segment) (PutResult, error) {
	run := s.getOrCreateRun(segmentKey{id: id, tier: tier})

	run.mu.Lock()
	defer run.mu.Unlock()

	switch {
	case seg.Index < run.next:
		return PutResult{}, fmt.Errorf("put %s/%s index %d: %w", id, tier, seg.Index, ErrDuplicateSegment)
	case seg.Index > run.next:
		return PutResult{}, fmt.Errorf("put %s/%s index %d, expected %d: %w", id, tier, seg.Index, run.next, ErrSegmentGap)
	}

	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = s.now().UTC()
	}
	run.segs = append(run.segs, seg)
	run.next++

	evicted := s.enforceRetentionLocked(id, tier, run)

	refs := make([]SegmentRef, 0, len(run.segs))
	for _, kept := range run.segs {
		refs = append(refs, kept.Ref())
	}
	return PutResult{Refs: refs, Evicted: evicted}, nil
}

// enforceRetentionLocked trims the oldest segments until the run satisfies
// the policy. The observer is notified before payloads are dropped, so the
// current manifest version stops referencing an index before its bytes
// become unreadable. Caller must hold run.mu.
func (s *MemorySegmentStore) enforceRetentionLocked(id StreamID, tier Tier, run *tierRun) []int64 {
	drop := 0
	if s.policy.MaxSegments > 0 {
		for len(run.segs)-drop > s.policy.MaxSegments {
			drop++
		}
	}
	if s.policy.MaxAge > 0 {
		cutoff := s.now().Add(-s.policy.MaxAge)
		// Never age out the segment appended by this put.
		for drop < len(run.segs)-1 && run.segs[drop].CreatedAt.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return nil
	}

	evicted := make([]int64, 0, drop)
	for i := 0; i < drop; i++ {
		evicted = append(evicted, run.segs[i].Index)
	}
	keepFrom := run.start + int64(drop)

	if s.observer != nil {
		s.observer.SegmentsEvicted(id, tier, keepFrom)
	}

	run.segs = append([]Segment(nil), run.segs[drop:]...)
	run.start = keepFrom
	return evicted
}

// Get implements SegmentStore.Get.
func (s *MemorySegmentStore) Get(id StreamID, tier Tier, index int64) (Segment, error) {
	s.mu.RLock()
	run, ok := s.runs[segmentKey{id: id, tier: tier}]
	s.mu.RUnlock()
	if !ok {
		return Segment{}, fmt.Errorf("get %s/%s index %d: %w", id, tier, index, ErrNotFound)
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	if index < run.start || index >= run.next {
		return Segment{}, fmt.Errorf("get %s/%s index %d: %w", id, tier, index, ErrNotFound)
	}
	return run.segs[index-run.start], nil
}

// Refs implements SegmentStore.Refs.
func (s *MemorySegmentStore) Refs(id StreamID, tier Tier) []SegmentRef {
	s.mu.RLock()
	run, ok := s.runs[segmentKey{id: id, tier: tier}]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	refs := make([]SegmentRef, 0, len(run.segs))
	for _, seg := range run.segs {
		refs = append(refs, seg.Ref())
	}
	return refs
}

// EvictAll implements SegmentStore.EvictAll.
func (s *MemorySegmentStore) EvictAll(id StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, run := range s.runs {
		if key.id != id {
			continue
		}
		run.mu.Lock()
		run.segs = nil
		run.start = 0
		run.next = 0
		run.mu.Unlock()
		delete(s.runs, key)
	}
}

// SegmentCount implements SegmentStore.SegmentCount.
func (s *MemorySegmentStore) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, run := range s.runs {
		run.mu.RLock()
		n += len(run.segs)
		run.mu.RUnlock()
	}
	return n
}

// getOrCreateRun returns the run for key, creating it if absent.
func (s *MemorySegmentStore) getOrCreateRun(key segmentKey) *tierRun {
	s.mu.RLock()
	run, ok := s.runs[key]
	s.mu.RUnlock()
	if ok {
		return run
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok = s.runs[key]; ok {
		return run
	}
	run = &tierRun{}
	s.runs[key] = run
	return run
}

var _ SegmentStore = (*MemorySegmentStore)(nil)
