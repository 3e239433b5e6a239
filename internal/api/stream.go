package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kylemclaren/claude-goals/internal/stream"
)

// StreamTask handles GET /api/v1/tasks/{id}/stream. Output of the step that
// is running (or last ran) is sent as "output" events followed by a
// "complete" event. With ?follow=true the stream stays open across steps.
func (s *Server) StreamTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.lifecycle.GetTask(r.Context(), id); err != nil {
		s.lifecycleError(w, "Failed to fetch task", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}
	follow := r.URL.Query().Get("follow") == "true"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID := uuid.NewString()
	client := s.streamMgr.Subscribe(id, clientID)
	defer s.streamMgr.Unsubscribe(id, clientID)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case chunk := <-client.Chunks:
			writeChunk(w, chunk)
			flusher.Flush()

		case done := <-client.Complete:
			// chunks replayed on subscribe may still be queued
			for drained := false; !drained; {
				select {
				case chunk := <-client.Chunks:
					writeChunk(w, chunk)
				default:
					drained = true
				}
			}
			writeEvent(w, "complete", SSECompletionEvent{
				TaskID: done.TaskID,
				StepID: done.StepID,
				Status: done.Status,
				Error:  done.Error,
			})
			flusher.Flush()
			if !follow {
				return
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeChunk(w http.ResponseWriter, chunk stream.OutputChunk) {
	writeEvent(w, "output", SSEOutputChunk{
		TaskID:    chunk.TaskID,
		StepID:    chunk.StepID,
		Text:      chunk.Text,
		Timestamp: chunk.Timestamp.UTC().Format(time.RFC3339Nano),
		IsError:   chunk.IsError,
	})
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
