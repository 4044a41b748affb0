package pipeline

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/MP2T"
)

// Handler exposes the read-only pipeline API using go-chi. It reads from
// the registry, store, and manifest builder; it never writes pipeline state.
type Handler struct {
	registry  *StreamRegistry
	store     SegmentStore
	manifests *ManifestBuilder
	log       *slog.Logger
}

// NewHandler returns a Handler over the pipeline's shared read surfaces.
func NewHandler(registry *StreamRegistry, store SegmentStore, manifests *ManifestBuilder, log *slog.Logger) *Handler {
	return &Handler{registry: registry, store: store, manifests: manifests, log: log}
}

// Routes mounts the API onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/streams", h.ListStreams)
	r.Route("/streams/{stream_id}/{tier}", func(r chi.Router) {
		r.Get("/manifest", h.GetManifest)
		r.Get("/segments/{index}", h.GetSegment)
	})
}

type streamsResponse struct {
	Degraded bool           `json:"degraded"`
	Streams  []StreamStatus `json:"streams"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ListStreams handles GET /streams: the registry snapshot plus the
// pipeline-wide degraded flag.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, streamsResponse{
		Degraded: h.registry.Degraded(),
		Streams:  h.registry.Snapshot(),
	})
}

// Health handles GET /healthz. Observation loss is surfaced here rather
// than swallowed: the process is alive but the pipeline cannot make
// progress until observation is re-established.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.registry.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, errorResponse{Status: status})
}

// GetManifest handles GET /streams/{stream_id}/{tier}/manifest.
//
// An unknown or removed identity is 404. A known identity that has not yet
// published a manifest answers distinctly: 425 while discovered or
// transcoding ("known but incomplete"), 502 when failed, so callers can
// tell "never existed" from "not yet" from "broken".
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	tier := Tier(chi.URLParam(r, "tier"))
	if streamID == "" || tier == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	st, ok := h.registry.Get(streamID)
	if !ok || st.Phase == PhaseRemoved {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	m, err := h.manifests.Latest(streamID, tier)
	if err == nil {
		w.Header().Set("Content-Type", playlistContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(RenderPlaylist(m)))
		return
	}
	if !errors.Is(err, ErrNotFound) {
		h.log.Error("manifest lookup failed", slog.String("stream", string(streamID)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch st.Phase {
	case PhaseDiscovered, PhaseTranscoding, PhaseStale:
		writeJSON(w, http.StatusTooEarly, errorResponse{Status: string(st.Phase)})
	case PhaseFailed:
		writeJSON(w, http.StatusBadGateway, errorResponse{Status: string(st.Phase), Error: st.LastError})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// GetSegment handles GET /streams/{stream_id}/{tier}/segments/{index}.
// The phase mapping on a store miss mirrors GetManifest: unknown or removed
// identities are 404, known-but-incomplete 425, failed 502.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	tier := Tier(chi.URLParam(r, "tier"))
	index, err := strconv.ParseInt(chi.URLParam(r, "index"), 10, 64)
	if streamID == "" || tier == "" || err != nil || index < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	st, ok := h.registry.Get(streamID)
	if !ok || st.Phase == PhaseRemoved {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	seg, err := h.store.Get(streamID, tier, index)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.log.Error("segment lookup failed", slog.String("stream", string(streamID)), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch st.Phase {
		case PhaseDiscovered, PhaseTranscoding, PhaseStale:
			writeJSON(w, http.StatusTooEarly, errorResponse{Status: string(st.Phase)})
		case PhaseFailed:
			writeJSON(w, http.StatusBadGateway, errorResponse{Status: string(st.Phase), Error: st.LastError})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(seg.Payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
