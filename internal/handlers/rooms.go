package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// GetRoom reports how many connections are in a call room (public).
func (a *API) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	peers, err := a.store.RoomPeerCount(c.Request.Context(), roomID)
	if err != nil {
		a.logger.WithError(err).WithField("room", roomID).Error("failed to read room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
		return
	}
	if peers == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	c.JSON(http.StatusOK, models.RoomInfo{ID: roomID, Peers: peers})
}
