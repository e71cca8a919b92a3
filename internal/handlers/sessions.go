package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/syncplay/internal/models"
)

const evictReason = "session closed by operator"

// GetSession reports the member count of a session code. Unknown codes report
// zero members, the same as an empty session.
func GetSession(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Param("code")

		info := models.SessionInfo{
			Code:  code,
			Count: hub.Registry().MemberCount(code),
		}
		if n, ok := hub.MirrorCount(c.Request.Context(), code); ok {
			info.MirrorCount = &n
		}

		c.JSON(http.StatusOK, info)
	}
}

// DeleteSession evicts every member of a session (operator only).
func DeleteSession(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Param("code")

		evicted := hub.Evict(code, evictReason)
		if evicted == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}

		hub.logger.Info("operator evicted session", "session", code, "operator", c.GetString("operator_id"))
		c.JSON(http.StatusOK, models.EvictResponse{Code: code, Evicted: evicted})
	}
}
