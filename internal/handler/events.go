package handler

import (
	"net/http"
	"time"

	"trademind/internal/ingest"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

type ingestRequest struct {
	Events []ingest.RawEvent `json:"events" binding:"required"`
}

// IngestEvents godoc
// @Summary      Ingest trading events
// @Description  Validates and stores a batch of trading events. Malformed events are rejected individually with per-field reasons.
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        request  body  ingestRequest  true  "Event batch"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/events [post]
func (h *Handler) IngestEvents(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ingest-events")
	defer span.End()

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "events must not be empty"})
		return
	}
	if len(req.Events) > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at most 1000 events per batch"})
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(req.Events)))

	result := ingest.Validate(req.Events, time.Now().UTC())

	inserted := 0
	if len(result.Accepted) > 0 {
		n, err := h.events.InsertEvents(ctx, result.Accepted)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		inserted = n
	}

	c.JSON(http.StatusOK, gin.H{
		"inserted": inserted,
		"rejected": result.Rejected,
	})
}
