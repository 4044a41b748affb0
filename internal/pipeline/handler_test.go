package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

type handlerFixture struct {
	registry  *StreamRegistry
	store     *MemorySegmentStore
	manifests *ManifestBuilder
	router    http.Handler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	registry := NewStreamRegistry()
	manifests := NewManifestBuilder()
	store := NewMemorySegmentStore(RetentionPolicy{}, manifests)

	r := chi.NewRouter()
	NewHandler(registry, store, manifests, testLogger()).Routes(r)

	return &handlerFixture{registry: registry, store: store, manifests: manifests, router: r}
}

func (f *handlerFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandler_GetManifest(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("unknown_stream", func(t *testing.T) {
		if rec := f.get(t, "/streams/ghost/720p/manifest"); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("known_but_not_ready", func(t *testing.T) {
		f.registry.Discover(StreamID("pending"), "/media/pending.mp4")
		rec := f.get(t, "/streams/pending/720p/manifest")
		if rec.Code != http.StatusTooEarly {
			t.Errorf("expected 425 for discovered stream, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), string(PhaseDiscovered)) {
			t.Errorf("body should carry the phase: %s", rec.Body.String())
		}
	})

	t.Run("transcoding_with_live_manifest", func(t *testing.T) {
		f.registry.Discover(StreamID("live"), "/media/live.mp4")
		_ = f.registry.Transition(StreamID("live"), PhaseTranscoding)
		res, err := f.store.Put(StreamID("live"), Tier("720p"), Segment{Index: 0, Duration: 2.0, Payload: []byte("s")})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.manifests.Publish(StreamID("live"), Tier("720p"), res.Refs, false); err != nil {
			t.Fatal(err)
		}

		rec := f.get(t, "/streams/live/720p/manifest")
		if rec.Code != http.StatusOK {
			t.Fatalf("live manifest should be served mid-transcode, got %d", rec.Code)
		}
		if got := rec.Header().Get("Content-Type"); got != playlistContentType {
			t.Errorf("content type: %s", got)
		}
		if strings.Contains(rec.Body.String(), "#EXT-X-ENDLIST") {
			t.Error("live playlist must not be final")
		}
	})

	t.Run("failed_stream", func(t *testing.T) {
		f.registry.Discover(StreamID("broken"), "/media/broken.mp4")
		_ = f.registry.Transition(StreamID("broken"), PhaseTranscoding)
		_ = f.registry.Transition(StreamID("broken"), PhaseFailed)
		f.registry.RecordFailure(StreamID("broken"), ErrProcessFailure)

		rec := f.get(t, "/streams/broken/720p/manifest")
		if rec.Code != http.StatusBadGateway {
			t.Errorf("failed stream should be distinct from 404, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), ErrProcessFailure.Error()) {
			t.Errorf("body should carry the failure cause: %s", rec.Body.String())
		}
	})

	t.Run("removed_stream", func(t *testing.T) {
		f.registry.Discover(StreamID("gone"), "/media/gone.mp4")
		_ = f.registry.Transition(StreamID("gone"), PhaseRemoved)
		if rec := f.get(t, "/streams/gone/720p/manifest"); rec.Code != http.StatusNotFound {
			t.Errorf("removed stream should be 404, got %d", rec.Code)
		}
	})
}

func TestHandler_GetSegment(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Discover(StreamID("a"), "/media/a.mp4")
	_ = f.registry.Transition(StreamID("a"), PhaseTranscoding)
	if _, err := f.store.Put(StreamID("a"), Tier("720p"), Segment{Index: 0, Duration: 2.0, Payload: []byte("payload")}); err != nil {
		t.Fatal(err)
	}
	_ = f.registry.Transition(StreamID("a"), PhaseReady)

	t.Run("found", func(t *testing.T) {
		rec := f.get(t, "/streams/a/720p/segments/0")
		if rec.Code != http.StatusOK || rec.Body.String() != "payload" {
			t.Errorf("got %d %q", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Content-Type"); got != segmentContentType {
			t.Errorf("content type: %s", got)
		}
	})

	t.Run("unknown_index", func(t *testing.T) {
		if rec := f.get(t, "/streams/a/720p/segments/9"); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("bad_index", func(t *testing.T) {
		if rec := f.get(t, "/streams/a/720p/segments/zero"); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("evicted", func(t *testing.T) {
		f.store.EvictAll(StreamID("a"))
		if rec := f.get(t, "/streams/a/720p/segments/0"); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 after eviction, got %d", rec.Code)
		}
	})

	t.Run("unknown_stream", func(t *testing.T) {
		if rec := f.get(t, "/streams/ghost/720p/segments/0"); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("transcoding_not_yet_produced", func(t *testing.T) {
		f.registry.Discover(StreamID("pending"), "/media/pending.mp4")
		_ = f.registry.Transition(StreamID("pending"), PhaseTranscoding)

		rec := f.get(t, "/streams/pending/720p/segments/0")
		if rec.Code != http.StatusTooEarly {
			t.Errorf("missing segment on a transcoding stream should be 425, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), string(PhaseTranscoding)) {
			t.Errorf("body should carry the phase: %s", rec.Body.String())
		}
	})

	t.Run("failed_stream", func(t *testing.T) {
		f.registry.Discover(StreamID("broken"), "/media/broken.mp4")
		_ = f.registry.Transition(StreamID("broken"), PhaseTranscoding)
		_ = f.registry.Transition(StreamID("broken"), PhaseFailed)
		f.registry.RecordFailure(StreamID("broken"), ErrProcessFailure)

		rec := f.get(t, "/streams/broken/720p/segments/0")
		if rec.Code != http.StatusBadGateway {
			t.Errorf("failed stream should be distinct from 404, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), ErrProcessFailure.Error()) {
			t.Errorf("body should carry the failure cause: %s", rec.Body.String())
		}
	})

	t.Run("removed_stream", func(t *testing.T) {
		f.registry.Discover(StreamID("gone"), "/media/gone.mp4")
		_ = f.registry.Transition(StreamID("gone"), PhaseTranscoding)
		if _, err := f.store.Put(StreamID("gone"), Tier("720p"), Segment{Index: 0, Duration: 2.0, Payload: []byte("stale")}); err != nil {
			t.Fatal(err)
		}
		_ = f.registry.Transition(StreamID("gone"), PhaseRemoved)

		// Even if eviction raced the removal, the payload must not be served.
		if rec := f.get(t, "/streams/gone/720p/segments/0"); rec.Code != http.StatusNotFound {
			t.Errorf("removed stream segment should be 404, got %d", rec.Code)
		}
	})
}

func TestHandler_ListStreams(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Discover(StreamID("a"), "/media/a.mp4")
	f.registry.Discover(StreamID("b"), "/media/b.mp4")
	_ = f.registry.Transition(StreamID("b"), PhaseTranscoding)

	rec := f.get(t, "/streams")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /streams: %d", rec.Code)
	}

	var resp struct {
		Degraded bool           `json:"degraded"`
		Streams  []StreamStatus `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Degraded {
		t.Error("pipeline should not report degraded")
	}
	if len(resp.Streams) != 2 || resp.Streams[0].ID != "a" || resp.Streams[1].Phase != PhaseTranscoding {
		t.Errorf("unexpected snapshot: %+v", resp.Streams)
	}
}

func TestHandler_Health(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.get(t, "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthy: %d %s", rec.Code, rec.Body.String())
	}

	f.registry.SetDegraded(true)
	rec = f.get(t, "/healthz")
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("degraded state should be visible: %s", rec.Body.String())
	}
}
