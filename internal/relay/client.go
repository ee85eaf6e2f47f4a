package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// Attach binds an upgraded websocket to a new hub client and starts its
// read and write pumps.
func (h *Hub) Attach(conn *websocket.Conn, authIdentity string) *Client {
	c := h.NewClient(authIdentity)

	go h.writePump(c, conn)
	go h.readPump(c, conn)

	return c
}

func (h *Hub) pongWait() time.Duration {
	return h.cfg.PingInterval * 10 / 9
}

func (h *Hub) readPump(c *Client, conn *websocket.Conn) {
	defer func() {
		h.Disconnect(c)
		conn.Close()
	}()

	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(h.pongWait()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.pongWait()))
		h.Heartbeat(c)
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("websocket error")
			}
			return
		}

		h.Handle(c, message)
	}
}

func (h *Hub) writePump(c *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.WithError(err).Warn("failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Logger returns the client's scoped logger.
func (c *Client) Logger() *logrus.Entry {
	return c.logger
}
