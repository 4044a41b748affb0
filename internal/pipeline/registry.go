package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// allowedTransitions is the per-stream lifecycle state machine. Transitions
// are monotone except Failed→Transcoding (retry), Ready/Stale→Transcoding
// (newest-write-wins restart), and any→Removed (terminal).
var allowedTransitions = map[StreamPhase][]StreamPhase{
	PhaseDiscovered:  {PhaseTranscoding, PhaseRemoved},
	PhaseTranscoding: {PhaseReady, PhaseFailed, PhaseRemoved},
	PhaseReady:       {PhaseStale, PhaseTranscoding, PhaseRemoved},
	PhaseStale:       {PhaseTranscoding, PhaseRemoved},
	PhaseFailed:      {PhaseTranscoding, PhaseRemoved},
	PhaseRemoved:     {},
}

// streamEntry carries one stream's status plus the mutex that serializes
// its transitions. Unrelated identities never contend.
type streamEntry struct {
	mu     sync.Mutex
	status StreamStatus
}

// StreamRegistry is the process-wide catalog of known streams: the single
// source of truth the API reads and the coordination point between pipeline
// writers. Exactly one live record exists per identity; a fresh Discover
// after removal replaces the terminal record.
type StreamRegistry struct {
	mu       sync.RWMutex
	streams  map[StreamID]*streamEntry
	degraded atomic.Bool
	now      func() time.Time
}

// NewStreamRegistry returns an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[StreamID]*streamEntry),
		now:     time.Now,
	}
}

// Discover records a new stream in the Discovered phase, or refreshes the
// source path on the existing record. A Removed record is replaced by a
// fresh one, since removal is terminal for the old record, not the identity.
func (r *StreamRegistry) Discover(id StreamID, source string) StreamStatus {
	entry := r.getOrCreateEntry(id, source)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.status.Phase == PhaseRemoved {
		now := r.now().UTC()
		entry.status = StreamStatus{
			ID:        id,
			Source:    source,
			Phase:     PhaseDiscovered,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return entry.status
	}
	entry.status.Source = source
	return entry.status
}

// Transition moves the stream to phase, validating against the lifecycle
// state machine. ErrNotFound if the identity is unknown,
// ErrInvalidTransition if the state machine forbids the move.
func (r *StreamRegistry) Transition(id StreamID, phase StreamPhase) error {
	entry, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	from := entry.status.Phase
	if !transitionAllowed(from, phase) {
		return fmt.Errorf("stream %s: %s -> %s: %w", id, from, phase, ErrInvalidTransition)
	}

	entry.status.Phase = phase
	entry.status.UpdatedAt = r.now().UTC()
	if phase == PhaseReady {
		entry.status.Attempts = 0
		entry.status.LastError = ""
	}
	if phase == PhaseRemoved {
		entry.status.JobID = ""
	}
	return nil
}

// SetJob records the active job supervising the stream; empty clears it.
func (r *StreamRegistry) SetJob(id StreamID, jobID string) {
	if entry, ok := r.entry(id); ok {
		entry.mu.Lock()
		entry.status.JobID = jobID
		entry.mu.Unlock()
	}
}

// RecordFailure notes a failed attempt and its cause on the stream record.
func (r *StreamRegistry) RecordFailure(id StreamID, err error) {
	if entry, ok := r.entry(id); ok {
		entry.mu.Lock()
		entry.status.Attempts++
		if err != nil {
			entry.status.LastError = err.Error()
		}
		entry.status.UpdatedAt = r.now().UTC()
		entry.mu.Unlock()
	}
}

// ResetAttempts zeroes the retry bookkeeping, making a permanently Failed
// stream eligible again. Called when a fresh watcher event arrives for the
// identity.
func (r *StreamRegistry) ResetAttempts(id StreamID) {
	if entry, ok := r.entry(id); ok {
		entry.mu.Lock()
		entry.status.Attempts = 0
		entry.mu.Unlock()
	}
}

// Get returns the current status for the identity.
func (r *StreamRegistry) Get(id StreamID) (StreamStatus, bool) {
	entry, ok := r.entry(id)
	if !ok {
		return StreamStatus{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.status, true
}

// Snapshot returns every stream's status, ordered by identity.
func (r *StreamRegistry) Snapshot() []StreamStatus {
	r.mu.RLock()
	entries := make([]*streamEntry, 0, len(r.streams))
	for _, entry := range r.streams {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	statuses := make([]StreamStatus, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		statuses = append(statuses, entry.status)
		entry.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// ActiveStreamCount returns the number of streams not Removed, for metrics.
func (r *StreamRegistry) ActiveStreamCount() int {
	n := 0
	for _, st := range r.Snapshot() {
		if st.Phase != PhaseRemoved {
			n++
		}
	}
	return n
}

// SetDegraded flags pipeline-wide loss of source observation. Surfaced on
// /streams and /healthz rather than swallowed.
func (r *StreamRegistry) SetDegraded(v bool) {
	r.degraded.Store(v)
}

// Degraded reports whether source observation has been lost.
func (r *StreamRegistry) Degraded() bool {
	return r.degraded.Load()
}

func (r *StreamRegistry) entry(id StreamID) (*streamEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.streams[id]
	return entry, ok
}

func (r *StreamRegistry) getOrCreateEntry(id StreamID, source string) *streamEntry {
	r.mu.RLock()
	entry, ok := r.streams[id]
	r.mu.RUnlock()
	if ok {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok = r.streams[id]; ok {
		return entry
	}
	now := r.now().UTC()
	entry = &streamEntry{status: StreamStatus{
		ID:        id,
		Source:    source,
		Phase:     PhaseDiscovered,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	r.streams[id] = entry
	return entry
}

func transitionAllowed(from, to StreamPhase) bool {
	if from == to {
		return from != PhaseRemoved
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
