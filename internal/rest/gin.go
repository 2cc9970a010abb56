package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServerConfig is the subset of runtime config the HTTP layer needs.
type ServerConfig struct {
	Addr      string
	RateLimit RateLimit
}

// NewServer builds the gin engine with the global middleware chain (rate
// limit ahead of everything, then security headers) and the health probe.
func NewServer(cfg ServerConfig) (*gin.Engine, *http.Server) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RateLimiter(cfg.RateLimit))
	r.Use(SecurityHeaders())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}
	return r, srv
}
