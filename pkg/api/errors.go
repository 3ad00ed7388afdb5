package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/conductor/pkg/board"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// writeBoardError maps board and store errors to HTTP responses: bad input
// is 400, missing rows 404, wrong-state refusals 409, guardrail refusals
// 422. Everything else is an opaque 500.
func writeBoardError(c *gin.Context, err error) {
	var ve *board.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if board.IsState(err) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if rule, ok := board.IsGuardrail(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "rule": rule})
		return
	}

	slog.Error("Unexpected API error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
