package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"trademind/internal/domain"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = `You are a trading-behavior coach embedded in a behavioral
analytics service. You receive model outputs (behavior pattern, risk score,
anomaly flag) and answer operator questions about them. Be concise and
concrete. Never give financial advice about specific assets; explain the
behavioral signals instead.`

const maxHistory = 10

type Predictor interface {
	Predict(ctx context.Context, userID string, extra map[string]float64) (*domain.PredictionResult, error)
}

// Service wraps the OpenAI chat API to explain predictions in plain
// language. Entirely optional: a nil *Service is a valid, disabled
// advisor.
type Service struct {
	client    openai.Client
	model     openai.ChatModel
	predictor Predictor

	mu      sync.Mutex
	history map[int64][]openai.ChatCompletionMessageParamUnion
}

func NewService(apiKey, model string, predictor Predictor) *Service {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Service{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     openai.ChatModel(model),
		predictor: predictor,
		history:   make(map[int64][]openai.ChatCompletionMessageParamUnion),
	}
}

// Ask answers one operator question, keeping a short per-chat history.
// Mentions of "user <id>" pull the live prediction into the context.
func (s *Service) Ask(ctx context.Context, chatID int64, message string) (string, error) {
	if s == nil {
		return "", errors.New("advisor disabled")
	}

	contextBlock := s.predictionContext(ctx, message)

	s.mu.Lock()
	history := append([]openai.ChatCompletionMessageParamUnion(nil), s.history[chatID]...)
	s.mu.Unlock()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+3)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	messages = append(messages, history...)
	if contextBlock != "" {
		messages = append(messages, openai.SystemMessage(contextBlock))
	}
	messages = append(messages, openai.UserMessage(message))

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	reply := resp.Choices[0].Message.Content

	s.mu.Lock()
	turns := append(s.history[chatID],
		openai.UserMessage(message),
		openai.AssistantMessage(reply),
	)
	if len(turns) > maxHistory {
		turns = turns[len(turns)-maxHistory:]
	}
	s.history[chatID] = turns
	s.mu.Unlock()

	return reply, nil
}

// predictionContext extracts a "user <id>" mention from the question
// and, if found, serves the current prediction as extra context.
func (s *Service) predictionContext(ctx context.Context, message string) string {
	if s.predictor == nil {
		return ""
	}
	fields := strings.Fields(message)
	userID := ""
	for i, f := range fields {
		if strings.EqualFold(f, "user") && i+1 < len(fields) {
			userID = strings.Trim(fields[i+1], ".,!?:;")
			break
		}
	}
	if userID == "" {
		return ""
	}
	res, err := s.predictor.Predict(ctx, userID, nil)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current model outputs for user %s:\n", userID)
	if res.PatternLabel != "" && res.PatternConfidence != nil {
		fmt.Fprintf(&sb, "- pattern: %s (confidence %.2f)\n", res.PatternLabel, *res.PatternConfidence)
	}
	if res.RiskScore != nil {
		fmt.Fprintf(&sb, "- behavioral risk score: %.2f\n", *res.RiskScore)
	}
	if res.AnomalyScore != nil && res.AnomalyFlag != nil {
		fmt.Fprintf(&sb, "- anomaly score: %.2f (flagged: %t)\n", *res.AnomalyScore, *res.AnomalyFlag)
	}
	if res.ClusterID != nil {
		fmt.Fprintf(&sb, "- behavior cluster: %d\n", *res.ClusterID)
	}
	if len(res.DegradedHeads) > 0 {
		fmt.Fprintf(&sb, "- degraded heads: %s\n", strings.Join(res.DegradedHeads, ", "))
	}
	return sb.String()
}
