package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"imagegen/internal/middleware"
)

const wsWriteWait = 10 * time.Second

func (a *App) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 64 << 10,
		CheckOrigin:     a.Origins.CheckWebSocket,
	}
}

// GenerateWS runs the same flow as Generate over a WebSocket. The first text
// message is the request; the connection closes after the terminal event.
func (a *App) GenerateWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "caller identity missing")
		return
	}
	ws, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		a.logger().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxRequestBody)

	var req generationRequest
	if err := ws.ReadJSON(&req); err != nil {
		a.logger().Debug().Err(err).Msg("websocket closed before request")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	// A read error means the peer went away; that cancels the request.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	events, err := a.Orchestrator.Submit(ctx, req.submission(caller))
	if err != nil {
		a.writeWS(ws, rejectionDTO(err))
		a.closeWS(ws)
		return
	}
	for ev := range events {
		if err := a.writeWS(ws, a.toDTO(ev)); err != nil {
			cancel()
		}
	}
	a.closeWS(ws)
}

func (a *App) writeWS(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := ws.WriteJSON(v)
	if err != nil {
		a.logger().Debug().Err(err).Msg("websocket write failed")
	}
	return err
}

func (a *App) closeWS(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
