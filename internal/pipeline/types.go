package pipeline

import (
	"path/filepath"
	"strings"
	"time"
)

// StreamID is the stable identity under which a source's pipeline state is
// tracked across filesystem events.
type StreamID string

// Tier identifies a quality/bitrate variant of a stream (e.g. "720p", "480p").
type Tier string

// TierSpec describes one target quality tier for the external transcoder.
type TierSpec struct {
	Name    Tier
	Bitrate string
}

// ParseTiers parses a comma-separated list of tier definitions of the form
// "name=bitrate" (e.g. "720p=2500k,480p=1000k"). Entries without a bitrate
// are accepted; malformed empty entries are skipped.
func ParseTiers(s string) []TierSpec {
	var tiers []TierSpec
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, bitrate, _ := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tiers = append(tiers, TierSpec{Name: Tier(name), Bitrate: strings.TrimSpace(bitrate)})
	}
	return tiers
}

// Segment is a single committed media segment. Immutable once stored.
type Segment struct {
	Index     int64
	Duration  float64
	Payload   []byte
	Hash      uint64
	CreatedAt time.Time
}

// Ref returns the manifest-facing reference for this segment.
func (s Segment) Ref() SegmentRef {
	return SegmentRef{Index: s.Index, Duration: s.Duration, Hash: s.Hash}
}

// SegmentRef is a payload-free reference to a committed segment, held by
// manifests. Manifests reference segments; they never own the bytes.
type SegmentRef struct {
	Index    int64
	Duration float64
	Hash     uint64
}

// Manifest is an immutable snapshot of the segment list for one
// (stream, tier) pair. A new snapshot is produced on every publish;
// readers holding a version see a fixed list.
type Manifest struct {
	Stream   StreamID
	Tier     Tier
	Version  uint64
	Segments []SegmentRef
	Final    bool
}

// StreamPhase is the lifecycle state of a stream in the registry.
type StreamPhase string

const (
	PhaseDiscovered  StreamPhase = "discovered"
	PhaseTranscoding StreamPhase = "transcoding"
	PhaseReady       StreamPhase = "ready"
	PhaseStale       StreamPhase = "stale"
	PhaseFailed      StreamPhase = "failed"
	PhaseRemoved     StreamPhase = "removed"
)

// StreamStatus is the registry's view of one stream, as exposed to the API.
type StreamStatus struct {
	ID        StreamID    `json:"id"`
	Source    string      `json:"source"`
	Phase     StreamPhase `json:"phase"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	JobID     string      `json:"job_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// EventOp classifies a watcher lifecycle event.
type EventOp int

const (
	OpCreated EventOp = iota
	OpModified
	OpRemoved
)

func (op EventOp) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one observation on the source root. A non-nil Err marks loss of
// observation capability; no further events follow it.
type Event struct {
	Op   EventOp
	Path string
	Err  error
}

// IdentityFunc derives the stream identity from a source path. The
// derivation strategy is injected so de-duplication and retry behaviour do
// not depend on a hardcoded assumption.
type IdentityFunc func(path string) StreamID

// BasenameIdentity derives identity from the file name without its
// extension, so "/media/a.mp4" maps to stream "a".
func BasenameIdentity(path string) StreamID {
	base := filepath.Base(path)
	return StreamID(strings.TrimSuffix(base, filepath.Ext(base)))
}
