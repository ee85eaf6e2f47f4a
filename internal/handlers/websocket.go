package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/mossy-p/webrtc-calls/internal/relay"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades the request and hands the connection to the
// relay hub. The identity proven by the optional JWT is bound to the
// connection so that register can be checked against it.
func HandleSignaling(hub *relay.Hub, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WithError(err).Warn("failed to upgrade connection")
			return
		}

		client := hub.Attach(conn, c.GetString(middleware.ContextUserID))
		client.Logger().WithField("remote", c.ClientIP()).Info("signaling connection opened")
	}
}
