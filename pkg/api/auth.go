package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// extractCaller identifies the calling user, grounded on tarsy's
// pkg/api/auth.go extractAuthor: the caller's identity is read from an
// upstream-proxy header rather than verified here, with the same
// "api-client" fallback tarsy uses when nothing is set.
func extractCaller(c *gin.Context) string {
	if u := c.GetHeader("X-Forwarded-User"); u != "" {
		return u
	}
	if e := c.GetHeader("X-Forwarded-Email"); e != "" {
		return e
	}
	return "api-client"
}

// handleLogin is a stub: it accepts whatever identity an upstream proxy (or
// a direct caller, in a deployment with none) supplies and echoes it back
// as a bearer-shaped token. There is no credential check, no session store,
// and no expiry — a real deployment terminates auth in front of this
// service.
func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "username is required"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: "opaque-" + req.Username, UserID: req.Username})
}
