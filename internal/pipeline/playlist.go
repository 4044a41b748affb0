package pipeline

import (
	"fmt"
	"math"
	"strings"
)

// RenderPlaylist converts a manifest snapshot into a valid HLS media
// playlist. Segment URIs point at the pipeline's segment endpoint. A final
// manifest gets #EXT-X-ENDLIST appended; an empty manifest produces a
// minimal valid playlist with media sequence 0.
func RenderPlaylist(m *Manifest) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(m.Segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if m.Final {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(m.Segments)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", m.Segments[0].Index))

	for _, ref := range m.Segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", ref.Duration))
		b.WriteString(SegmentURI(m.Stream, m.Tier, ref.Index))
		b.WriteString("\n")
	}

	if m.Final {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// SegmentURI is the API path a player fetches a segment from.
func SegmentURI(id StreamID, tier Tier, index int64) string {
	return fmt.Sprintf("/streams/%s/%s/segments/%d", id, tier, index)
}

// targetDuration returns the HLS #EXT-X-TARGETDURATION value: the ceiling
// of the maximum segment duration in seconds (integer).
func targetDuration(refs []SegmentRef) int {
	max := 0.0
	for _, ref := range refs {
		if ref.Duration > max {
			max = ref.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
