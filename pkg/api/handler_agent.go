package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// listAgentsHandler handles GET /api/v1/agents with optional role and
// status filters.
func (s *Server) listAgentsHandler(c *gin.Context) {
	f := models.AgentFilters{Role: c.Query("role")}

	if v := c.Query("status"); v != "" {
		st := models.AgentStatus(v)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + v})
			return
		}
		f.Status = st
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}

	agents, err := s.orch.ListAgents(c.Request.Context(), f)
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}
