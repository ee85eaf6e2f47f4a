package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// AppendCall records a finished call in the caller's own log (requires JWT).
func (a *API) AppendCall(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var record models.CallRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if record.Caller != userID && record.Callee != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only participants can log a call"})
		return
	}

	if err := a.store.AppendCall(c.Request.Context(), userID, record); err != nil {
		a.logger.WithError(err).WithField("identity", userID).Error("failed to store call record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store call"})
		return
	}

	c.Status(http.StatusCreated)
}

// ListCalls returns the caller's call log, newest first (requires JWT).
func (a *API) ListCalls(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	records, err := a.store.ListCalls(c.Request.Context(), userID)
	if err != nil {
		a.logger.WithError(err).WithField("identity", userID).Error("failed to list calls")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list calls"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"calls": records})
}
