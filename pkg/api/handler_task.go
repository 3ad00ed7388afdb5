package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// createTaskHandler handles POST /api/v1/tasks, placing a task directly on
// the board outside of routing.
func (s *Server) createTaskHandler(c *gin.Context) {
	var req models.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.orch.CreateTask(c.Request.Context(), &req)
	if err != nil {
		writeBoardError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// listTasksHandler handles GET /api/v1/tasks with optional group_id, status
// (comma-separated), assigned_to, claimed_by, limit, and offset filters.
func (s *Server) listTasksHandler(c *gin.Context) {
	f := models.TaskFilters{
		GroupID:    c.Query("group_id"),
		AssignedTo: c.Query("assigned_to"),
		ClaimedBy:  c.Query("claimed_by"),
	}

	if v := c.Query("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			st := models.TaskStatus(raw)
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + raw})
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}

	tasks, err := s.orch.ListTasks(c.Request.Context(), f)
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// getTaskHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskHandler(c *gin.Context) {
	task, err := s.orch.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// cancelTaskHandler handles POST /api/v1/tasks/:id/cancel. The body is
// optional; an empty reason is filled in by the orchestrator.
func (s *Server) cancelTaskHandler(c *gin.Context) {
	var req CancelTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	task, err := s.orch.CancelTask(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// retryTaskHandler handles POST /api/v1/tasks/:id/retry, returning a failed
// task to the pending queue.
func (s *Server) retryTaskHandler(c *gin.Context) {
	task, err := s.orch.RetryTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// reassignTaskHandler handles POST /api/v1/tasks/:id/reassign, moving a
// waiting task to another role.
func (s *Server) reassignTaskHandler(c *gin.Context) {
	var req ReassignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role is required"})
		return
	}

	task, err := s.orch.ReassignTask(c.Request.Context(), c.Param("id"), req.Role)
	if err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
