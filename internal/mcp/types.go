package mcp

import (
	"fmt"
	"strings"

	"trademind/internal/domain"
	"trademind/internal/ml/common"
)

const (
	defaultInsightLimit = 20
	maxInsightLimit     = 100
	defaultVersionDepth = 5
)

type modelsListInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"history depth per model, max 50"`
}

type modelSummary struct {
	ModelName  string                `json:"model_name"`
	Production int                   `json:"production"`
	Versions   []domain.ModelVersion `json:"versions"`
}

type modelsListOutput struct {
	Models []modelSummary `json:"models"`
}

type modelPromoteInput struct {
	ModelName string `json:"model_name" jsonschema:"model name: anomaly_iforest, pattern_classifier, risk_regressor, behavior_cluster"`
	Version   int    `json:"version" jsonschema:"staged version to promote"`
}

type modelPromoteOutput struct {
	ModelName  string `json:"model_name"`
	Production int    `json:"production"`
}

type modelRollbackInput struct {
	ModelName string `json:"model_name" jsonschema:"model name: anomaly_iforest, pattern_classifier, risk_regressor, behavior_cluster"`
	Version   int    `json:"version" jsonschema:"archived version to restore"`
}

type modelRollbackOutput struct {
	ModelName  string `json:"model_name"`
	Production int    `json:"production"`
}

type predictUserInput struct {
	UserID        string             `json:"user_id" jsonschema:"user id to predict for"`
	ExtraFeatures map[string]float64 `json:"extra_features,omitempty" jsonschema:"optional feature overrides by name"`
}

type predictUserOutput struct {
	Result *domain.PredictionResult `json:"result"`
}

type insightsListInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"optional user id filter"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of insights to return, max 100"`
}

type insightsListOutput struct {
	Insights []domain.Insight `json:"insights"`
}

type trainingStatusInput struct{}

type trainingStatusOutput struct {
	State   domain.TrainingState `json:"state"`
	LastRun *domain.TrainingRun  `json:"last_run,omitempty"`
}

type trainingTriggerInput struct{}

type trainingTriggerOutput struct {
	Started bool                 `json:"started"`
	State   domain.TrainingState `json:"state"`
}

func normalizeModelName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("model_name is required")
	}
	for _, key := range common.ModelKeys {
		if key == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown model: %s (known: %s)", name, strings.Join(common.ModelKeys, ", "))
}

func normalizeInsightLimit(limit int) int {
	if limit <= 0 {
		return defaultInsightLimit
	}
	if limit > maxInsightLimit {
		return maxInsightLimit
	}
	return limit
}

func normalizeVersionDepth(limit int) int {
	if limit <= 0 {
		return defaultVersionDepth
	}
	if limit > 50 {
		return 50
	}
	return limit
}
