package api

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// listRolesHandler handles GET /api/v1/roles.
func (s *Server) listRolesHandler(c *gin.Context) {
	paused := s.orch.PausedRoles()
	pausedAll := slices.Contains(paused, "all")
	loops := s.orch.LoopCounts()

	roles := s.orch.Roles().All()
	out := make([]*RoleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, &RoleResponse{
			Role:         role.Role,
			DisplayName:  role.DisplayName,
			Prefix:       role.Prefix,
			Accepts:      role.Accepts,
			Produces:     role.Produces,
			MaxInstances: role.MaxInstances,
			AutoScale:    role.AutoScale != nil && role.AutoScale.Enabled,
			Loops:        loops[role.Role],
			Paused:       pausedAll || slices.Contains(paused, role.Role),
		})
	}
	c.JSON(http.StatusOK, out)
}

// pauseRoleHandler handles POST /api/v1/roles/:role/pause. The reserved
// name "all" gates claiming across every role.
func (s *Server) pauseRoleHandler(c *gin.Context) {
	role := c.Param("role")
	if role != "all" && !s.orch.Roles().Has(role) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown role: " + role})
		return
	}
	if err := s.orch.PauseRole(role); err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "paused": true})
}

// resumeRoleHandler handles POST /api/v1/roles/:role/resume.
func (s *Server) resumeRoleHandler(c *gin.Context) {
	role := c.Param("role")
	if role != "all" && !s.orch.Roles().Has(role) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown role: " + role})
		return
	}
	if err := s.orch.ResumeRole(role); err != nil {
		writeBoardError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "paused": false})
}
