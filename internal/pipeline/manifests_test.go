package pipeline

import (
	"errors"
	"testing"
)

func refsUpTo(n int64) []SegmentRef {
	refs := make([]SegmentRef, 0, n+1)
	for i := int64(0); i <= n; i++ {
		refs = append(refs, SegmentRef{Index: i, Duration: 2.0})
	}
	return refs
}

func TestManifestBuilder_Publish_versions(t *testing.T) {
	b := NewManifestBuilder()
	id := StreamID("s1")
	tier := Tier("720p")

	var versions []uint64
	for i := int64(0); i < 3; i++ {
		m, err := b.Publish(id, tier, refsUpTo(i), false)
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		versions = append(versions, m.Version)
	}

	if versions[0] != 1 || versions[1] != 2 || versions[2] != 3 {
		t.Errorf("versions should increase from 1: %v", versions)
	}

	m, err := b.Latest(id, tier)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if m.Version != 3 || len(m.Segments) != 3 {
		t.Errorf("Latest: version %d, %d segments", m.Version, len(m.Segments))
	}
}

func TestManifestBuilder_prefix_property(t *testing.T) {
	b := NewManifestBuilder()
	id := StreamID("s1")
	tier := Tier("720p")

	var published []*Manifest
	for i := int64(0); i < 5; i++ {
		m, err := b.Publish(id, tier, refsUpTo(i), false)
		if err != nil {
			t.Fatal(err)
		}
		published = append(published, m)
	}

	for i := 1; i < len(published); i++ {
		prev, next := published[i-1], published[i]
		if len(prev.Segments) > len(next.Segments) {
			t.Fatalf("version %d shorter than %d", next.Version, prev.Version)
		}
		for j, ref := range prev.Segments {
			if next.Segments[j] != ref {
				t.Errorf("version %d is not a prefix of version %d", prev.Version, next.Version)
			}
		}
	}
}

func TestManifestBuilder_copy_on_publish(t *testing.T) {
	b := NewManifestBuilder()
	id := StreamID("s1")
	tier := Tier("720p")

	refs := refsUpTo(1)
	m1, err := b.Publish(id, tier, refs, false)
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's slice must not reach into the snapshot.
	refs[0].Index = 99
	if m1.Segments[0].Index != 0 {
		t.Error("published manifest shares the caller's backing array")
	}

	// A reader holding v1 sees a fixed list across later publishes.
	if _, err := b.Publish(id, tier, refsUpTo(2), false); err != nil {
		t.Fatal(err)
	}
	if len(m1.Segments) != 2 {
		t.Errorf("held version changed after a later publish: %d segments", len(m1.Segments))
	}
}

func TestManifestBuilder_Latest_not_found(t *testing.T) {
	b := NewManifestBuilder()
	_, err := b.Latest(StreamID("missing"), Tier("720p"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManifestBuilder_final_is_terminal(t *testing.T) {
	b := NewManifestBuilder()
	id := StreamID("s1")
	tier := Tier("720p")

	if _, err := b.Publish(id, tier, refsUpTo(0), true); err != nil {
		t.Fatal(err)
	}

	_, err := b.Publish(id, tier, refsUpTo(1), false)
	if !errors.Is(err, ErrManifestFinal) {
		t.Errorf("expected ErrManifestFinal, got %v", err)
	}

	// Other tiers of the same stream are unaffected.
	if _, err := b.Publish(id, Tier("480p"), refsUpTo(0), false); err != nil {
		t.Errorf("other tier should still accept publishes: %v", err)
	}
}

func TestManifestBuilder_Drop(t *testing.T) {
	b := NewManifestBuilder()
	id := StreamID("s1")

	_, _ = b.Publish(id, Tier("720p"), refsUpTo(0), false)
	_, _ = b.Publish(id, Tier("480p"), refsUpTo(0), false)
	_, _ = b.Publish(StreamID("other"), Tier("720p"), refsUpTo(0), false)

	b.Drop(id)

	if _, err := b.Latest(id, Tier("720p")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound after Drop, got %v", err)
	}
	if _, err := b.Latest(StreamID("other"), Tier("720p")); err != nil {
		t.Errorf("unrelated stream should survive Drop: %v", err)
	}
}

func TestManifestBuilder_SegmentsEvicted(t *testing.T) {
	b := NewManifestBuilder()
	id := StreamID("s1")
	tier := Tier("720p")

	m, err := b.Publish(id, tier, refsUpTo(2), false)
	if err != nil {
		t.Fatal(err)
	}

	b.SegmentsEvicted(id, tier, 1)

	latest, err := b.Latest(id, tier)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != m.Version+1 {
		t.Errorf("trim should publish a new version: %d -> %d", m.Version, latest.Version)
	}
	if len(latest.Segments) != 2 || latest.Segments[0].Index != 1 {
		t.Errorf("latest should start at index 1, got %v", latest.Segments)
	}

	t.Run("noop_when_nothing_affected", func(t *testing.T) {
		before, _ := b.Latest(id, tier)
		b.SegmentsEvicted(id, tier, 1)
		after, _ := b.Latest(id, tier)
		if after.Version != before.Version {
			t.Errorf("no-op trim bumped version %d -> %d", before.Version, after.Version)
		}
	})

	t.Run("noop_when_unpublished", func(t *testing.T) {
		b.SegmentsEvicted(StreamID("ghost"), tier, 3)
		if _, err := b.Latest(StreamID("ghost"), tier); !errors.Is(err, ErrNotFound) {
			t.Errorf("trim must not create manifests, got %v", err)
		}
	})
}

func TestManifestBuilder_eviction_with_store(t *testing.T) {
	// Wired together the way the pipeline runs them: the store's retention
	// eviction trims the current manifest before the payload disappears.
	b := NewManifestBuilder()
	store := NewMemorySegmentStore(RetentionPolicy{MaxSegments: 2}, b)
	id := StreamID("s1")
	tier := Tier("720p")

	for i := int64(0); i < 3; i++ {
		res, err := store.Put(id, tier, Segment{Index: i, Duration: 2.0})
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		if _, err := b.Publish(id, tier, res.Refs, false); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	latest, err := b.Latest(id, tier)
	if err != nil {
		t.Fatal(err)
	}
	// Every reference in the current manifest must resolve.
	for _, ref := range latest.Segments {
		if _, err := store.Get(id, tier, ref.Index); err != nil {
			t.Errorf("manifest references evicted segment %d: %v", ref.Index, err)
		}
	}
	if len(latest.Segments) != 2 || latest.Segments[0].Index != 1 {
		t.Errorf("latest should reference [1 2], got %v", latest.Segments)
	}
}
