package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/conductor/pkg/version"
)

// healthHandler handles GET /healthz. Returns a minimal response suitable
// for unauthenticated access; only conductor's own components (database,
// fleet) are checked, never provider backends.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h := s.orch.Health(reqCtx)
	h["version"] = version.Full()

	httpStatus := http.StatusOK
	if h["status"] == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, h)
}
