package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"companion/internal/models"
)

const maxCommandSize = 4096

// WSConn adapts a gorilla websocket to Conn. Gorilla allows one concurrent
// writer, so data frames go through writeMu; control frames use WriteControl,
// which is safe alongside them.
type WSConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// NewWSConn wraps ws.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *WSConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *WSConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// ServeWS registers ws, applies the optional initial subscription and reads
// commands until the peer goes away or the hub closes the connection. It blocks
// for the lifetime of the connection.
func (h *Hub) ServeWS(ws *websocket.Conn, writeTimeout time.Duration, initialEntity string, opts ...RegisterOption) {
	conn := NewWSConn(ws, writeTimeout)
	id := h.Register(conn, opts...)
	defer h.Deregister(id)

	ws.SetReadLimit(maxCommandSize)
	ws.SetPongHandler(func(string) error {
		h.Touch(id)
		return nil
	})

	if initialEntity != "" {
		h.HandleCommand(id, subscribeCommand(initialEntity))
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("connection_id", id).Msg("websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.HandleCommand(id, data)
	}
}

func subscribeCommand(entityID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":    models.CommandSubscribe,
		"payload": map[string]string{"entityId": entityID},
	})
	return b
}
