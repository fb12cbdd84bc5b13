package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"roadside/internal/events"
	"roadside/internal/model"
)

const sseHeartbeat = 15 * time.Second

// RequestStreamHandler handles GET /v1/requests/{id}/events/stream. The first
// frame is a snapshot of the request; later frames carry the request version
// as their id.
func (s *Server) RequestStreamHandler(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	id := mux.Vars(r)["id"]
	req, err := s.Coord.GetRequest(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ch := s.Broker.Subscribe(events.RequestChannel(id))
	defer s.Broker.Unsubscribe(events.RequestChannel(id), ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", req.Version, viewOf(req)); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, evt.Type, evt.Version, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, id int64, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}
