package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// submitGoalHandler handles POST /api/v1/goals. Creates a group with a
// single root task assigned to the team's entry role and returns
// immediately; the fleet picks the task up asynchronously.
func (s *Server) submitGoalHandler(c *gin.Context) {
	var req models.SubmitGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	group, task, err := s.orch.SubmitGoal(c.Request.Context(), &req)
	if err != nil {
		writeBoardError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &GoalResponse{Group: group, RootTask: task})
}

// listGoalsHandler handles GET /api/v1/goals.
func (s *Server) listGoalsHandler(c *gin.Context) {
	groups, err := s.orch.ListGroups(c.Request.Context())
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

// getGoalHandler handles GET /api/v1/goals/:id, returning the group and
// every task it contains.
func (s *Server) getGoalHandler(c *gin.Context) {
	groupID := c.Param("id")

	group, err := s.orch.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		writeBoardError(c, err)
		return
	}

	tasks, err := s.orch.ListTasks(c.Request.Context(), models.TaskFilters{GroupID: groupID})
	if err != nil {
		writeBoardError(c, err)
		return
	}

	c.JSON(http.StatusOK, &GoalDetailResponse{Group: group, Tasks: tasks})
}
