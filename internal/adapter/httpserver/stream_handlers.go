package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// streamHeartbeat keeps proxies from idling out a quiet stream.
const streamHeartbeat = 25 * time.Second

// TaskEventsHandler streams progress events for one task over SSE until the
// task reaches a terminal state or the client disconnects.
func (s *Server) TaskEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateResourceID("id", id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		// Authorization and the initial snapshot come from the same read.
		view, err := s.Tasks.Status(r.Context(), u.ID, u.Role, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		events, cancel, err := s.Hub.Subscribe(r.Context(), id, u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSE(w, "snapshot", view)
		flusher.Flush()
		if view.Status.Terminal() {
			return
		}

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				writeSSE(w, "progress", ev)
				flusher.Flush()
				if ev.Terminal {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth rides on the trusted identity header, not cookies, so cross-origin
	// upgrades carry no ambient credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// TaskWSHandler streams progress events for one task over a WebSocket. The
// server only writes; client frames other than close/ping are discarded.
func (s *Server) TaskWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateResourceID("id", id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		view, err := s.Tasks.Status(r.Context(), u.ID, u.Role, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		events, cancel, err := s.Hub.Subscribe(r.Context(), id, u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer cancel()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the handshake failure.
			return
		}
		defer func() { _ = conn.Close() }()

		// Drain client frames so control messages are processed and a close
		// from the client ends the stream.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := conn.WriteJSON(map[string]any{"type": "snapshot", "task": view}); err != nil {
			return
		}
		if view.Status.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task terminal"))
			return
		}

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-clientGone:
				return
			case <-heartbeat.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case ev, open := <-events:
				if !open {
					return
				}
				if err := conn.WriteJSON(map[string]any{"type": "progress", "event": ev}); err != nil {
					return
				}
				if ev.Terminal {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task terminal"))
					return
				}
			}
		}
	}
}
