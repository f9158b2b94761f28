package handler

import (
	"net/http"

	"trademind/internal/ml/common"

	"github.com/gin-gonic/gin"
)

// Health godoc
// @Summary      Liveness check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready godoc
// @Summary      Readiness check
// @Description  Ready once at least one model head has a production version loaded.
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ready")
	defer span.End()

	loaded := map[string]int{}
	for _, key := range common.ModelKeys {
		mv, err := h.registry.GetProduction(ctx, key)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
			return
		}
		if mv != nil {
			loaded[key] = mv.Version
		}
	}
	if len(loaded) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "no production models",
			"models": loaded,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "models": loaded})
}

// TrainingStatus godoc
// @Summary      Training pipeline status
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/training/status [get]
func (h *Handler) TrainingStatus(c *gin.Context) {
	if h.training == nil {
		c.JSON(http.StatusOK, gin.H{"state": "IDLE"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":    h.training.State(),
		"last_run": h.training.LastRun(),
	})
}

// MonitorStats godoc
// @Summary      Serving health metrics
// @Description  Rolling latency percentiles, per-head degradation rates and recent drift alerts.
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/monitor [get]
func (h *Handler) MonitorStats(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	p95, p99 := h.monitor.LatencyPercentiles()
	c.JSON(http.StatusOK, gin.H{
		"latency_ms":   gin.H{"p95": p95, "p99": p99},
		"error_rates":  h.monitor.ErrorRates(),
		"drift_alerts": h.monitor.RecentAlerts(),
	})
}
