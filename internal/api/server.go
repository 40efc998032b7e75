package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relaychat/internal/logx"
)

// NewEngine builds the gin engine with recovery, request logging and the
// router's routes.
func NewEngine(r *Router) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	r.RegisterRoutes(engine)
	return engine
}

// NewHTTPServer wraps engine for addr. The caller runs ListenAndServe (or
// ListenAndServeTLS) and Shutdown.
func NewHTTPServer(addr string, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger() gin.HandlerFunc {
	log := logx.Component("http")

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
