package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/redis"
)

// GetUser returns the directory entry of an identity (public). Identities
// without a stored profile are still returned, named by their identity.
func (a *API) GetUser(c *gin.Context) {
	identity := c.Param("identity")
	ctx := c.Request.Context()

	contact, err := a.store.GetContact(ctx, identity)
	if errors.Is(err, redis.ErrNotFound) {
		online, onlineErr := a.store.IsOnline(ctx, identity)
		if onlineErr != nil {
			err = onlineErr
		} else if online {
			c.JSON(http.StatusOK, models.Contact{Identity: identity, DisplayName: identity, Online: true})
			return
		} else {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
	}
	if err != nil {
		a.logger.WithError(err).WithField("identity", identity).Error("failed to read user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read user"})
		return
	}

	c.JSON(http.StatusOK, contact)
}

// UpdateMe stores the caller's own profile (requires JWT).
func (a *API) UpdateMe(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact := models.Contact{Identity: userID, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
	if err := a.store.SaveContact(c.Request.Context(), contact); err != nil {
		a.logger.WithError(err).WithField("identity", userID).Error("failed to save user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save user"})
		return
	}

	c.JSON(http.StatusOK, contact)
}
