package pipeline

import (
	"fmt"
	"sync"
)

// ManifestBuilder owns the latest committed manifest snapshot per
// (stream, tier). Publishing replaces the snapshot wholesale
// (copy-on-publish); readers holding an older *Manifest keep a fixed,
// complete segment list and never observe an intermediate state.
type ManifestBuilder struct {
	mu     sync.RWMutex
	latest map[segmentKey]*Manifest
}

// NewManifestBuilder returns an empty builder.
func NewManifestBuilder() *ManifestBuilder {
	return &ManifestBuilder{latest: make(map[segmentKey]*Manifest)}
}

// Publish commits a new immutable manifest version for (id, tier) holding
// refs, and returns it. The version number increases by one over the prior
// snapshot. final marks the manifest complete; once final, further
// publishes fail with ErrManifestFinal.
func (b *ManifestBuilder) Publish(id StreamID, tier Tier, refs []SegmentRef, final bool) (*Manifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := segmentKey{id: id, tier: tier}
	var version uint64 = 1
	if prev, ok := b.latest[key]; ok {
		if prev.Final {
			return nil, fmt.Errorf("publish %s/%s: %w", id, tier, ErrManifestFinal)
		}
		version = prev.Version + 1
	}

	m := &Manifest{
		Stream:   id,
		Tier:     tier,
		Version:  version,
		Segments: append([]SegmentRef(nil), refs...),
		Final:    final,
	}
	b.latest[key] = m
	return m, nil
}

// Latest returns the most recent committed manifest for (id, tier), or
// ErrNotFound if nothing has been published.
func (b *ManifestBuilder) Latest(id StreamID, tier Tier) (*Manifest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.latest[segmentKey{id: id, tier: tier}]
	if !ok {
		return nil, fmt.Errorf("manifest %s/%s: %w", id, tier, ErrNotFound)
	}
	return m, nil
}

// Drop removes all manifests for the identity, across tiers. Used on stream
// removal and before a newest-write-wins restart.
func (b *ManifestBuilder) Drop(id StreamID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.latest {
		if key.id == id {
			delete(b.latest, key)
		}
	}
}

// SegmentsEvicted implements EvictionObserver: when the store evicts the
// oldest segments of (id, tier), republish the latest manifest without the
// dropped references so the current version never points at an evicted
// index. No-op if nothing published yet or nothing is affected.
func (b *ManifestBuilder) SegmentsEvicted(id StreamID, tier Tier, keepFrom int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := segmentKey{id: id, tier: tier}
	prev, ok := b.latest[key]
	if !ok || len(prev.Segments) == 0 || prev.Segments[0].Index >= keepFrom {
		return
	}

	kept := prev.Segments
	for len(kept) > 0 && kept[0].Index < keepFrom {
		kept = kept[1:]
	}
	b.latest[key] = &Manifest{
		Stream:   id,
		Tier:     tier,
		Version:  prev.Version + 1,
		Segments: append([]SegmentRef(nil), kept...),
		Final:    prev.Final,
	}
}

var _ EvictionObserver = (*ManifestBuilder)(nil)
