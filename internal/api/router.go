package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes holds what the router needs beyond the handler.
type Routes struct {
	Handler  *Handler
	Checks   map[string]HealthCheck
	Gatherer prometheus.Gatherer
}

// Register mounts health, metrics and the v1 API on router.
func (r Routes) Register(router *gin.Engine) {
	router.GET("/health", healthHandler(r.Checks))
	if r.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")

	runs := v1.Group("/runs")
	runs.POST("", r.Handler.StartRun)
	runs.GET("/:id", r.Handler.GetRun)
	runs.POST("/:id/cancel", r.Handler.CancelRun)
	runs.POST("/:id/kick", r.Handler.KickRun)

	pubs := v1.Group("/publications")
	pubs.POST("/:node_id/start", r.Handler.StartPublication)
	pubs.POST("/:node_id/result", r.Handler.CompletePublication)
}
