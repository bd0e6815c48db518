package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	runsvc "github.com/alanyang/promptlab/internal/service/run"
	analyticshandler "github.com/alanyang/promptlab/internal/transport/analytics"
	mcptransport "github.com/alanyang/promptlab/internal/transport/mcp"
	queuehandler "github.com/alanyang/promptlab/internal/transport/queue"
	runhandler "github.com/alanyang/promptlab/internal/transport/run"
	wshandler "github.com/alanyang/promptlab/internal/transport/ws"
)

// NewRouter mounts the REST API under /api and the MCP endpoint at /mcp.
// A nil mcpServer leaves /mcp unmounted.
func NewRouter(svc *runsvc.Service, mcpServer *mcptransport.Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")

	runhandler.Register(api.Group("/runs"), svc)
	queuehandler.Register(api, svc)
	analyticshandler.Register(api.Group("/analytics"), svc)

	hub := wshandler.NewHub(svc)
	hub.Register(api.Group("/ws"))

	if mcpServer != nil {
		h := gin.WrapH(mcpServer.Handler())
		r.Any("/mcp", h)
	}

	return r
}
