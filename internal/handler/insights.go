package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetInsights godoc
// @Summary      List active insights
// @Description  Returns unexpired insights, newest first, optionally scoped to one user.
// @Tags         insights
// @Produce      json
// @Param        user_id  query  string  false  "User id"
// @Param        limit    query  int     false  "Number of insights (default 20, max 100)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/insights [get]
func (h *Handler) GetInsights(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-insights")
	defer span.End()

	limit := 20
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	userID := strings.TrimSpace(c.Query("user_id"))
	if userID != "" {
		span.SetAttributes(attribute.String("user_id", userID))
	}

	var err error
	insights := []any{}
	if userID != "" {
		list, e := h.insights.ListUser(ctx, userID, limit)
		err = e
		for _, ins := range list {
			insights = append(insights, ins)
		}
	} else {
		list, e := h.insights.ListRecent(ctx, limit)
		err = e
		for _, ins := range list {
			insights = append(insights, ins)
		}
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": insights})
}

// InsightFeed godoc
// @Summary      Stream insights over websocket
// @Description  Upgrades to a websocket and pushes every generated insight, optionally filtered by user_id.
// @Tags         insights
// @Param        user_id  query  string  false  "User id filter"
// @Router       /ws/insights [get]
func (h *Handler) InsightFeed(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "insight feed unavailable"})
		return
	}
	h.hub.ServeWS(c.Writer, c.Request)
}
