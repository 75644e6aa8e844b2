// Package http assembles the gateway's REST surface: session lifecycle,
// automated tasks, the Discord bridge, health probes and workspace
// snapshots, behind bearer-token auth. WebSocket routes are mounted on
// the same engine but authenticate in-handler so they can report
// failures with websocket close codes instead of HTTP statuses.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/httpmw"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/health"
	"github.com/agentdock/agentdock/internal/objectstore"
	"github.com/agentdock/agentdock/internal/platform"
	"github.com/agentdock/agentdock/internal/scheduler"
	sessionservice "github.com/agentdock/agentdock/internal/session/service"
	taskservice "github.com/agentdock/agentdock/internal/task/service"
)

// serverName labels request logs, spans and metrics from this API.
const serverName = "gateway"

// Deps bundles everything the API surface calls into.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Tokens    *TokenManager
	Sessions  *sessionservice.Service
	Tasks     *taskservice.Service
	Scheduler *scheduler.Scheduler
	Bridge    *platform.Service
	Health    *health.Aggregator
	Objects   *objectstore.Store

	// Stream and VNC are the websocket handlers; they run outside the
	// bearer-auth middleware and validate tokens themselves.
	Stream gin.HandlerFunc
	VNC    gin.HandlerFunc
}

// NewRouter builds the gateway's gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(d.Logger, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	if d.Config.Metrics.Enabled {
		router.Use(metricsMiddleware())
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	system := NewSystemHandlers(d.Health, d.Objects, d.Config.Docker.WorkspaceRoot, d.Logger)
	system.RegisterHealth(router)

	api := router.Group("/api/v1")
	api.Use(AuthRequired(d.Tokens))
	NewSessionHandlers(d.Sessions, d.Logger).Register(api)
	NewTaskHandlers(d.Tasks, d.Scheduler, d.Logger).Register(api)
	NewPlatformHandlers(d.Bridge, d.Logger).Register(api)
	system.Register(api)

	ws := router.Group("/api/v1")
	if d.Stream != nil {
		ws.GET("/sessions/:id/stream", d.Stream)
	}
	if d.VNC != nil {
		ws.GET("/sessions/:id/vnc", d.VNC)
	}

	return router
}
