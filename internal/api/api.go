// Package api implements the diagnostics HTTP surface: health,
// metrics, manual re-filter, preview toggle, and rule administration.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sifthq/sift/internal/config"
	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/engine"
	"github.com/sifthq/sift/internal/logger"
	"github.com/sifthq/sift/internal/metrics"
)

// SetupRouter creates and configures the gin router with all routes.
func SetupRouter(
	session *engine.Session,
	telemetry *metrics.Telemetry,
	store *config.StaticStore,
	log logger.Interface,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	apiLog := log.WithComponent("api")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if telemetry != nil {
		router.GET("/metrics", gin.WrapH(telemetry.Handler()))
	}

	router.GET("/stats", func(c *gin.Context) {
		m := session.Metrics()
		c.JSON(http.StatusOK, gin.H{
			"page":               m.GetCurrentPage(),
			"strategy":           session.StrategyName(),
			"items_detected":     m.GetItemsDetected(),
			"items_hidden":       m.GetItemsHidden(),
			"items_unhidden":     m.GetItemsUnhidden(),
			"cache_hits":         m.GetCacheHits(),
			"cache_misses":       m.GetCacheMisses(),
			"batches_dispatched": m.GetBatchesDispatched(),
			"batches_failed":     m.GetBatchesFailed(),
			"cycles_completed":   m.GetCyclesCompleted(),
			"stalled_runs":       m.GetStalledRuns(),
			"tracked_records":    m.GetTrackedRecords(),
		})
	})

	router.POST("/refilter", func(c *gin.Context) {
		if err := session.Trigger(c.Request.Context(), engine.ManualTrigger{}); err != nil {
			apiLog.Error("manual refilter failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"hidden":   session.Metrics().GetItemsHidden(),
			"unhidden": session.Metrics().GetItemsUnhidden(),
		})
	})

	router.POST("/preview", func(c *gin.Context) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		changed := session.Preview(req.Enabled)
		c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled, "changed": changed})
	})

	router.PUT("/rules", func(c *gin.Context) {
		var req struct {
			Host  string   `json:"host"`
			Allow []string `json:"allow"`
			Block []string `json:"block"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		store.SetRules(req.Host, domain.RuleSet{Allow: req.Allow, Block: req.Block})
		if err := session.Trigger(c.Request.Context(), engine.RuleChangeTrigger{}); err != nil {
			apiLog.Error("rule-change cycle failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": store.Version()})
	})

	return router
}
