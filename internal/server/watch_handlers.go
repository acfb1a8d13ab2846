package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rmacedo/docproc/internal/watch"
)

// handleWatchOne streams change events for a single processing record as
// server-sent events until the client disconnects or the record settles.
func handleWatchOne(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id must be a UUID")
			return
		}
		rec, err := deps.Service.GetStatus(r.Context(), id)
		if err != nil {
			notFoundOrInternal(w, err)
			return
		}
		streamEvents(w, r, deps, watch.Target{BatchContext: rec.BatchContext, ProcessingID: &id})
	}
}

// handleWatchAll streams change events for every active batch of a context.
func handleWatchAll(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchContext := r.URL.Query().Get("batch_context")
		if batchContext == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "batch_context is required")
			return
		}
		streamEvents(w, r, deps, watch.Target{BatchContext: batchContext})
	}
}

func streamEvents(w http.ResponseWriter, r *http.Request, deps Deps, target watch.Target) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan watch.Event, 64)
	handle, err := deps.Watcher.Watch(r.Context(), target, func(ev watch.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return
	}
	defer handle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-handle.Done():
			// Drain anything the loop delivered before settling.
			for {
				select {
				case ev := <-events:
					writeEvent(w, flusher, ev)
				default:
					return
				}
			}
		case ev := <-events:
			writeEvent(w, flusher, ev)
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev watch.Event) {
	payload, err := json.Marshal(ev.Record)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	flusher.Flush()
}
