package handler

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"trademind/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

type predictRequest struct {
	UserID        string             `json:"user_id" binding:"required"`
	ExtraFeatures map[string]float64 `json:"extra_features"`
}

type batchPredictRequest struct {
	UserIDs       []string           `json:"user_ids" binding:"required"`
	ExtraFeatures map[string]float64 `json:"extra_features"`
}

// Predict godoc
// @Summary      Predict trading behavior for one user
// @Description  Runs all production model heads against the user's current feature vector. Extra features with known names override stored values.
// @Tags         predictions
// @Accept       json
// @Produce      json
// @Param        request  body  predictRequest  true  "Prediction request"
// @Success      200  {object}  domain.PredictionResult
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/predict [post]
func (h *Handler) Predict(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.predict")
	defer span.End()

	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	span.SetAttributes(attribute.String("user_id", userID))

	started := time.Now()
	res, err := h.predictor.Predict(ctx, userID, req.ExtraFeatures)
	if err != nil {
		h.predictError(c, err)
		return
	}
	if h.monitor != nil {
		h.monitor.RecordLatency(time.Since(started))
		h.monitor.RecordServed(res.DegradedHeads)
	}

	h.emitInsight(c, *res)
	c.JSON(http.StatusOK, res)
}

// BatchPredict godoc
// @Summary      Predict trading behavior for a set of users
// @Description  Serves every requested user; per-user failures are reported without failing the batch.
// @Tags         predictions
// @Accept       json
// @Produce      json
// @Param        request  body  batchPredictRequest  true  "Batch prediction request"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/predict/batch [post]
func (h *Handler) BatchPredict(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.batch-predict")
	defer span.End()

	var req batchPredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.UserIDs) == 0 || len(req.UserIDs) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids must contain between 1 and 100 entries"})
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(req.UserIDs)))

	results, failures := h.predictor.BatchPredict(ctx, req.UserIDs, req.ExtraFeatures)
	errsOut := make(map[string]string, len(failures))
	for userID, err := range failures {
		errsOut[userID] = err.Error()
	}
	for _, res := range results {
		if h.monitor != nil {
			h.monitor.RecordServed(res.DegradedHeads)
		}
		h.emitInsight(c, *res)
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"errors":  errsOut,
	})
}

func (h *Handler) predictError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrFeatureNotFound), errors.Is(err, domain.ErrInsufficientData):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrModelNotFound):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// emitInsight turns a freshly served prediction into an insight, stores
// it, fans it out to the feed, and raises an intervention trigger when
// risk warrants one. Side effects are best-effort; serving never fails
// because of them.
func (h *Handler) emitInsight(c *gin.Context, res domain.PredictionResult) {
	if h.generator == nil || res.Cached {
		return
	}
	ctx := c.Request.Context()
	now := time.Now().UTC()

	var fv domain.FeatureVector
	if h.features != nil {
		stored, err := h.features.LatestVector(ctx, res.UserID, now, 24*time.Hour)
		if err == nil {
			fv = *stored
		}
	}

	ins, trigger := h.generator.Generate(res, fv, now)
	if ins == nil {
		return
	}
	if h.insights != nil {
		if err := h.insights.Save(ctx, *ins); err != nil {
			log.Printf("Warning: failed to store insight for %s: %v", ins.UserID, err)
		}
	}
	if h.hub != nil {
		h.hub.Broadcast(*ins)
	}
	if trigger != nil && h.notifier != nil {
		if err := h.notifier.NotifyTrigger(ctx, *trigger); err != nil {
			log.Printf("Warning: intervention notify failed for %s: %v", trigger.UserID, err)
		}
	}
}
