package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// NewServer builds the fasthttp server: admin control-plane routes on the
// /admin prefix, metrics, the websocket stream, and the transparent
// dispatcher as the catch-all for everything else.
func (g *Gateway) NewServer(corsOrigins []string, upstreamTimeout time.Duration) *fasthttp.Server {
	r := router.New()

	// Control plane.
	r.GET("/admin/config", g.handleGetConfig)
	r.POST("/admin/mode", g.handleSetMode)
	r.POST("/admin/learning", g.handleSetLearning)
	r.POST("/admin/target", g.handleSetTarget)
	r.GET("/admin/chaos/profiles", g.handleListProfiles)
	r.POST("/admin/chaos/profiles", g.handleSetProfile)
	r.POST("/admin/chaos", g.handleSetGlobalChaos)

	r.GET("/admin/endpoints", g.handleListEndpoints)
	r.POST("/admin/endpoints/manual", g.handleCreateManualEndpoint)
	r.GET("/admin/endpoints/{id}/stats", g.handleEndpointStats)
	r.POST("/admin/endpoints/{id}/chaos", g.handleConfigureChaos)
	r.POST("/admin/endpoints/{id}/schema", g.handleUpdateSchema)
	r.GET("/admin/endpoints/{id}/drift-stats", g.handleDriftStats)

	r.GET("/admin/drift-alerts", g.handleListDriftAlerts)
	r.POST("/admin/drift-alerts/{alert_id}/resolve", g.handleResolveDriftAlert)

	r.GET("/admin/health", g.handleAllHealth)
	r.GET("/admin/health/global", g.handleGlobalHealth)
	r.GET("/admin/health/{id}", g.handleEndpointHealth)

	r.GET("/admin/logs", g.handleRecentLogs)
	r.GET("/admin/detector", g.handleDetectorStats)
	r.POST("/admin/detector/reset", g.handleDetectorReset)

	r.GET("/admin/ws", g.Hub.HandleWebSocket)
	r.GET("/metrics", g.Metrics.Handler())

	// Everything else is upstream traffic.
	r.NotFound = g.Dispatch
	r.MethodNotAllowed = g.Dispatch
	r.HandleMethodNotAllowed = true

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(corsOrigins),
	)

	return &fasthttp.Server{
		Handler: handler,
		// Simulated latency plus the upstream timeout both ride on these.
		ReadTimeout:  upstreamTimeout + 30*time.Second,
		WriteTimeout: upstreamTimeout + 30*time.Second,
	}
}
