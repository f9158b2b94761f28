package handler

import (
	"errors"
	"net/http"
	"strings"

	"trademind/internal/domain"
	"trademind/internal/ml/common"
	"trademind/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

type stageChangeRequest struct {
	Version int `json:"version" binding:"required"`
}

// ListModels godoc
// @Summary      List model versions
// @Description  Returns the production version and recent history for every model head. Artifact blobs are never included.
// @Tags         models
// @Produce      json
// @Param        limit  query  int  false  "History depth per model (default 5)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/models [get]
func (h *Handler) ListModels(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.list-models")
	defer span.End()

	limit := 5
	out := make(map[string]any, len(common.ModelKeys))
	for _, key := range common.ModelKeys {
		versions, err := h.registry.ListVersions(ctx, key, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		production := 0
		for _, v := range versions {
			if v.Stage == domain.StageProduction {
				production = v.Version
				break
			}
		}
		out[key] = gin.H{
			"production": production,
			"versions":   versions,
		}
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// PromoteModel godoc
// @Summary      Promote a staged model version
// @Description  Moves a staging version to production, archiving the current production version atomically.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        name     path  string              true  "Model name"
// @Param        request  body  stageChangeRequest  true  "Version to promote"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/models/{name}/promote [post]
func (h *Handler) PromoteModel(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.promote-model")
	defer span.End()

	name, ok := h.modelName(c)
	if !ok {
		return
	}
	var req stageChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a positive integer"})
		return
	}
	span.SetAttributes(attribute.String("model", name), attribute.Int("version", req.Version))

	expected := 0
	if prod, err := h.registry.GetProduction(ctx, name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	} else if prod != nil {
		expected = prod.Version
	}

	err := h.registry.PromoteAll(ctx, []repository.Promotion{{
		ModelName:          name,
		Version:            req.Version,
		ExpectedProduction: expected,
	}})
	if err != nil {
		h.stageChangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": name, "production": req.Version})
}

// RollbackModel godoc
// @Summary      Roll a model back to an archived version
// @Description  Re-promotes an archived version, demoting the current production version atomically.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        name     path  string              true  "Model name"
// @Param        request  body  stageChangeRequest  true  "Version to restore"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/models/{name}/rollback [post]
func (h *Handler) RollbackModel(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.rollback-model")
	defer span.End()

	name, ok := h.modelName(c)
	if !ok {
		return
	}
	var req stageChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a positive integer"})
		return
	}
	span.SetAttributes(attribute.String("model", name), attribute.Int("version", req.Version))

	if err := h.registry.RollbackTo(ctx, name, req.Version); err != nil {
		h.stageChangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": name, "production": req.Version})
}

func (h *Handler) modelName(c *gin.Context) (string, bool) {
	name := strings.TrimSpace(c.Param("name"))
	for _, key := range common.ModelKeys {
		if key == name {
			return name, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":  "unknown model: " + name,
		"models": common.ModelKeys,
	})
	return "", false
}

func (h *Handler) stageChangeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
