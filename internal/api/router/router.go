// Package router assembles the gin engine: the ordered middleware chain
// plus the single devagent route.
package router

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/arkreview/arkreview/consts"
	"github.com/arkreview/arkreview/internal/api/handler"
	"github.com/arkreview/arkreview/internal/api/middleware"
	"github.com/arkreview/arkreview/internal/config"
	"github.com/arkreview/arkreview/internal/engine"
)

// New builds the gin engine wired to e, under cfg's server/auth settings.
func New(cfg *config.Config, e *engine.Engine) *gin.Engine {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		otelgin.Middleware(consts.ServiceName),
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(&middleware.LoggerConfig{AccessLog: cfg.Logging.AccessLog}),
		middleware.CORS(nil),
		middleware.ErrorHandler(cfg.Server.Debug),
	)

	devagent := handler.NewDevagentHandler(e)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.HMACAuth(cfg.Auth.Secret, cfg.Auth.StrictSignature))
	v1.GET("/devagent", devagent.Handle)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
