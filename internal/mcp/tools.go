package mcp

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"trademind/internal/domain"
	"trademind/internal/ml/common"
	"trademind/internal/ml/training"
	"trademind/internal/repository"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func registerTools(server *mcp.Server, models ModelAdmin, predictor Predictor, insights InsightReader, trainingCtl TrainingControl) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "models_list",
		Description: "List model versions and the current production version for every model head",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in modelsListInput) (*mcp.CallToolResult, modelsListOutput, error) {
		if models == nil {
			return nil, modelsListOutput{}, fmt.Errorf("model registry unavailable")
		}
		depth := normalizeVersionDepth(in.Limit)
		out := modelsListOutput{Models: make([]modelSummary, 0, len(common.ModelKeys))}
		for _, key := range common.ModelKeys {
			versions, err := models.ListVersions(ctx, key, depth)
			if err != nil {
				return nil, modelsListOutput{}, err
			}
			production := 0
			for _, v := range versions {
				if v.Stage == domain.StageProduction {
					production = v.Version
					break
				}
			}
			out.Models = append(out.Models, modelSummary{
				ModelName:  key,
				Production: production,
				Versions:   versions,
			})
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "model_promote",
		Description: "Promote a staged model version to production, archiving the current production version",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in modelPromoteInput) (*mcp.CallToolResult, modelPromoteOutput, error) {
		if models == nil {
			return nil, modelPromoteOutput{}, fmt.Errorf("model registry unavailable")
		}
		name, err := normalizeModelName(in.ModelName)
		if err != nil {
			return nil, modelPromoteOutput{}, err
		}
		if in.Version <= 0 {
			return nil, modelPromoteOutput{}, fmt.Errorf("version must be positive")
		}
		expected := 0
		if prod, err := models.GetProduction(ctx, name); err != nil {
			return nil, modelPromoteOutput{}, err
		} else if prod != nil {
			expected = prod.Version
		}
		err = models.PromoteAll(ctx, []repository.Promotion{{
			ModelName:          name,
			Version:            in.Version,
			ExpectedProduction: expected,
		}})
		if err != nil {
			return nil, modelPromoteOutput{}, err
		}
		return nil, modelPromoteOutput{ModelName: name, Production: in.Version}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "model_rollback",
		Description: "Restore an archived model version to production",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in modelRollbackInput) (*mcp.CallToolResult, modelRollbackOutput, error) {
		if models == nil {
			return nil, modelRollbackOutput{}, fmt.Errorf("model registry unavailable")
		}
		name, err := normalizeModelName(in.ModelName)
		if err != nil {
			return nil, modelRollbackOutput{}, err
		}
		if in.Version <= 0 {
			return nil, modelRollbackOutput{}, fmt.Errorf("version must be positive")
		}
		if err := models.RollbackTo(ctx, name, in.Version); err != nil {
			return nil, modelRollbackOutput{}, err
		}
		return nil, modelRollbackOutput{ModelName: name, Production: in.Version}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "predict_user",
		Description: "Run all production model heads for one user and return the assembled prediction",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in predictUserInput) (*mcp.CallToolResult, predictUserOutput, error) {
		if predictor == nil {
			return nil, predictUserOutput{}, fmt.Errorf("prediction service unavailable")
		}
		userID := strings.TrimSpace(in.UserID)
		if userID == "" {
			return nil, predictUserOutput{}, fmt.Errorf("user_id is required")
		}
		result, err := predictor.Predict(ctx, userID, in.ExtraFeatures)
		if err != nil {
			return nil, predictUserOutput{}, err
		}
		return nil, predictUserOutput{Result: result}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "insights_list",
		Description: "List active behavioral insights, optionally filtered by user id",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in insightsListInput) (*mcp.CallToolResult, insightsListOutput, error) {
		if insights == nil {
			return nil, insightsListOutput{}, fmt.Errorf("insight store unavailable")
		}
		limit := normalizeInsightLimit(in.Limit)
		userID := strings.TrimSpace(in.UserID)
		var (
			list []domain.Insight
			err  error
		)
		if userID != "" {
			list, err = insights.ListUser(ctx, userID, limit)
		} else {
			list, err = insights.ListRecent(ctx, limit)
		}
		if err != nil {
			return nil, insightsListOutput{}, err
		}
		return nil, insightsListOutput{Insights: list}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "training_status",
		Description: "Report the training pipeline state and the most recent run",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ trainingStatusInput) (*mcp.CallToolResult, trainingStatusOutput, error) {
		if trainingCtl == nil {
			return nil, trainingStatusOutput{State: domain.StateIdle}, nil
		}
		return nil, trainingStatusOutput{
			State:   trainingCtl.State(),
			LastRun: trainingCtl.LastRun(),
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "training_trigger",
		Description: "Start a training run in the background; fails if one is already active",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ trainingTriggerInput) (*mcp.CallToolResult, trainingTriggerOutput, error) {
		if trainingCtl == nil {
			return nil, trainingTriggerOutput{}, fmt.Errorf("training service unavailable")
		}
		if trainingCtl.State() != domain.StateIdle {
			return nil, trainingTriggerOutput{}, training.ErrRunInProgress
		}
		// Runs outlive the tool-call timeout, so detach from it.
		go func() {
			if _, err := trainingCtl.Run(context.Background(), time.Now().UTC()); err != nil {
				log.Printf("manual training run failed: %v", err)
			}
		}()
		return nil, trainingTriggerOutput{Started: true, State: domain.StateScheduled}, nil
	})
}
