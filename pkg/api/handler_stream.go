package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// handleStreamSquad and handleStreamExecution extract the path parameter
// gin owns (pkg/sse.Manager.ServeSquad/ServeExecution take it explicitly
// rather than reading it themselves, since that package has no dependency
// on gin's routing) and block until the client disconnects.
func (s *Server) handleStreamSquad(c *gin.Context) {
	squadID := c.Param("id")
	if err := s.stream.ServeSquad(c.Writer, c.Request, squadID); err != nil {
		logStreamError(err)
	}
}

func (s *Server) handleStreamExecution(c *gin.Context) {
	executionID := c.Param("id")
	if err := s.stream.ServeExecution(c.Writer, c.Request, executionID); err != nil {
		logStreamError(err)
	}
}

// logStreamError logs a stream disconnect without writing an HTTP response:
// the SSE response has already started (200 + headers flushed) by the time
// Manager.serve can return an error, so a subsequent c.JSON/WriteHeader call
// would panic on a superfluous write.
func logStreamError(err error) {
	slog.Warn("sse stream ended", "error", err)
}
