package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
)

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req conduit.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "model is required", nil)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "messages must not be empty", nil)
		return
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	res, err := s.deps.Orchestrator.ChatCompletion(r.Context(), &req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	h := w.Header()
	if res.RateLimit != nil {
		res.RateLimit.ApplyHeaders(h, "requests")
	}
	if res.Cached {
		h.Set("x-conduit-cache", "HIT")
		h.Set("x-conduit-cache-source", res.CacheSource)
	} else {
		h.Set("x-conduit-cache", "MISS")
	}
	h.Set("x-conduit-cost-usd", res.CostUSD.String())
	h.Set("x-conduit-provider", res.Provider)
	h.Set("x-conduit-request-id", conduit.RequestIDFromContext(r.Context()))

	writeJSON(w, http.StatusOK, res.Response)
}

// handleChatCompletionStream handles SSE streaming chat completion requests.
// The first chunk is read before committing SSE headers: a failure before any
// data was produced surfaces as a plain JSON error with the right status.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *conduit.ChatRequest) {
	res, err := s.deps.Orchestrator.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	first, ok := <-res.Chunks
	if ok && first.Err != nil {
		writeErrorFrom(w, first.Err)
		return
	}

	if res.RateLimit != nil {
		res.RateLimit.ApplyHeaders(w.Header(), "requests")
	}
	writeSSEHeaders(w)
	flusher, fok := w.(http.Flusher)
	if !fok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	if !ok {
		writeSSEDone(w)
		flusher.Flush()
		return
	}
	if s.writeChunk(w, r, first) {
		flusher.Flush()
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-res.Chunks:
			if !ok {
				return
			}
			done := s.writeChunk(w, r, chunk)
			flusher.Flush()
			if done {
				return
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// writeChunk renders one stream chunk as an SSE frame. Returns true when the
// stream is finished. Mid-stream errors become an inline error frame; the
// orchestrator follows them with a Done chunk, so termination is uniform.
func (s *server) writeChunk(w http.ResponseWriter, r *http.Request, chunk conduit.StreamChunk) bool {
	if chunk.Err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
			slog.String("error", chunk.Err.Error()),
			slog.String("request_id", conduit.RequestIDFromContext(r.Context())),
		)
		writeSSEError(w, errorObject(errorStatus(chunk.Err), errorType(chunk.Err), chunk.Err.Error(), conduit.ErrorDetails(chunk.Err)))
		return false
	}
	if chunk.Done {
		writeSSEDone(w)
		return true
	}
	if len(chunk.Data) > 0 {
		writeSSEData(w, chunk.Data)
	}
	return false
}
