package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/aristath/refineloop/internal/tracebus"
)

// SubscribeTrace upgrades the connection to the WebSocket subscribe
// protocol: the client receives msgpack-encoded Frames (buffered
// history first, then live), and any inbound "ping" frame is echoed
// back as an error-kind "pong".
func (h *Handlers) SubscribeTrace(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("project_id", projectID).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	sub := h.bus.Subscribe(projectID)
	defer h.bus.Unsubscribe(sub)

	go h.readPings(ctx, conn, projectID)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			encoded, err := tracebus.EncodeFrame(frame)
			if err != nil {
				h.log.Error().Err(err).Msg("encode trace frame")
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, encoded); err != nil {
				h.log.Debug().Err(err).Str("project_id", projectID).Msg("subscriber write failed, closing")
				return
			}
		}
	}
}

// readPings drains inbound frames and replies to "ping" with an
// error-kind "pong". It exits silently when the connection closes.
func (h *Handlers) readPings(ctx context.Context, conn *websocket.Conn, projectID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := tracebus.DecodeFrame(data)
		if err != nil {
			continue
		}
		if string(frame.Type) == "ping" {
			pong := tracebus.Frame{Type: tracebus.FramePong, ProjectID: projectID, Error: "pong"}
			encoded, err := tracebus.EncodeFrame(pong)
			if err != nil {
				continue
			}
			_ = conn.Write(ctx, websocket.MessageBinary, encoded)
		}
	}
}
