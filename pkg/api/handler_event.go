package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// listEventsHandler handles GET /api/v1/events, reading the persisted
// journal. pattern filters topics with the same glob syntax the stream
// uses; since returns only events after the given journal id.
func (s *Server) listEventsHandler(c *gin.Context) {
	pattern := c.DefaultQuery("pattern", "*")

	var sinceID int64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: must be a non-negative integer"})
			return
		}
		sinceID = n
	}

	limit := defaultEventLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.orch.ListEvents(c.Request.Context(), pattern, sinceID, limit)
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
