package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/diaflow/diaflow/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConnection is one websocket client registered with the message
// router. The router's delivery callback enqueues into send; writePump
// drains it onto the wire.
type wsConnection struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// handleWebSocket upgrades the connection, registers it with the router,
// and subscribes it to the requested execution. On subscribe the channel's
// last cached event is replayed so reconnecting clients catch up.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ws := &wsConnection{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}

	s.router.RegisterConnection(ws.id, func(ctx context.Context, event *models.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		select {
		case ws.send <- payload:
			return nil
		case <-ws.done:
			return models.ErrConnectionNotFound
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if execID := c.Query("execution_id"); execID != "" {
		id := models.ExecutionID(execID)
		if err := s.router.SubscribeToExecution(ws.id, id); err != nil {
			s.logger.Error("websocket subscribe failed", "connection_id", ws.id, "error", err)
		}

		if last := s.engine.Bus().GetLastEvent(models.ExecutionChannel(id)); last != nil {
			if payload, err := json.Marshal(last); err == nil {
				ws.send <- payload
			}
		}
	}

	go ws.writePump()
	go ws.readPump(s)
}

// readPump consumes client frames. Clients may subscribe to additional
// executions by sending {"command":"subscribe","execution_id":"..."}.
func (ws *wsConnection) readPump(s *Server) {
	defer func() {
		s.router.UnregisterConnection(ws.id)
		close(ws.done)
		ws.conn.Close()
	}()

	ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", "connection_id", ws.id, "error", err)
			}
			return
		}

		var msg struct {
			Command     string `json:"command"`
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Command {
		case "subscribe":
			if msg.ExecutionID != "" {
				_ = s.router.SubscribeToExecution(ws.id, models.ExecutionID(msg.ExecutionID))
			}
		case "unsubscribe":
			if msg.ExecutionID != "" {
				s.router.UnsubscribeFromExecution(ws.id, models.ExecutionID(msg.ExecutionID))
			}
		}
	}
}

// writePump moves queued messages onto the wire and keeps the connection
// alive with pings.
func (ws *wsConnection) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		ws.conn.Close()
	}()

	for {
		select {
		case <-ws.done:
			ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
