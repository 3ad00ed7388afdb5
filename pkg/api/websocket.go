package api

import (
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler upgrades GET /ws to a WebSocket and hands the connection to the
// stream manager. With no configured origins only same-host upgrades are
// accepted.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		return
	}

	s.stream.handleConnection(c.Request.Context(), conn)
}
