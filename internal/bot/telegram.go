package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"trademind/internal/domain"

	tele "gopkg.in/telebot.v3"
)

type Predictor interface {
	Predict(ctx context.Context, userID string, extra map[string]float64) (*domain.PredictionResult, error)
}

type InsightLister interface {
	ListUser(ctx context.Context, userID string, limit int) ([]domain.Insight, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Insight, error)
}

type Advisor interface {
	Ask(ctx context.Context, chatID int64, message string) (string, error)
}

func StartTelegramBot(predictor Predictor, insights InsightLister, advisorService Advisor) *InterventionDispatcher {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Println("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Fatalf("failed to create Telegram bot: %v", err)
	}
	dispatcher := NewInterventionDispatcher(b)

	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	b.Handle("/risk", func(c tele.Context) error {
		if predictor == nil {
			return c.Send("Prediction service unavailable")
		}
		args := c.Args()
		if len(args) == 0 {
			return c.Send("Usage: /risk <user_id>")
		}
		userID := strings.TrimSpace(args[0])
		res, err := predictor.Predict(context.Background(), userID, nil)
		if err != nil {
			return c.Send(fmt.Sprintf("Error predicting for %s: %v", userID, err))
		}
		return c.Send(formatPrediction(res))
	})

	b.Handle("/insights", func(c tele.Context) error {
		if insights == nil {
			return c.Send("Insight store unavailable")
		}
		args := c.Args()
		var list []domain.Insight
		var err error
		if len(args) == 0 {
			list, err = insights.ListRecent(context.Background(), 5)
		} else {
			list, err = insights.ListUser(context.Background(), strings.TrimSpace(args[0]), 5)
		}
		if err != nil {
			return c.Send(fmt.Sprintf("Error fetching insights: %v", err))
		}
		if len(list) == 0 {
			return c.Send("No active insights right now.")
		}
		if err := c.Send("Latest insights:"); err != nil {
			return err
		}
		for _, ins := range list {
			if err := c.Send(formatInsight(ins)); err != nil {
				return err
			}
		}
		return nil
	})

	b.Handle("/alerts", func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return c.Send("Unable to detect chat")
		}

		mode, err := parseAlertMode(c.Args())
		if err != nil {
			return c.Send("Usage: /alerts on | /alerts off | /alerts status")
		}

		switch mode {
		case "on":
			if dispatcher.Subscribe(chat.ID) {
				return c.Send("Intervention alerts enabled for this chat.")
			}
			return c.Send("Intervention alerts are already enabled for this chat.")
		case "off":
			if dispatcher.Unsubscribe(chat.ID) {
				return c.Send("Intervention alerts disabled for this chat.")
			}
			return c.Send("Intervention alerts are already disabled for this chat.")
		default:
			if dispatcher.IsSubscribed(chat.ID) {
				return c.Send("Alerts status: ON")
			}
			return c.Send("Alerts status: OFF")
		}
	})

	b.Handle("/ask", func(c tele.Context) error {
		if advisorService == nil {
			return c.Send("Advisor not configured. Set OPENAI_API_KEY to enable.")
		}
		question := strings.TrimSpace(c.Message().Payload)
		if question == "" {
			return c.Send("Usage: /ask <question>\nExample: /ask Why is user u123 flagged as high risk?")
		}
		return handleAdvisorQuery(c, advisorService, question)
	})

	log.Println("Telegram bot started")
	go b.Start()
	return dispatcher
}

func handleAdvisorQuery(c tele.Context, adv Advisor, question string) error {
	_ = c.Notify(tele.Typing)

	reply, err := adv.Ask(context.Background(), c.Chat().ID, question)
	if err != nil {
		log.Printf("advisor error for chat %d: %v", c.Chat().ID, err)
		return c.Send("Sorry, I'm having trouble right now. Try /risk or /insights for raw data.")
	}

	if len(reply) > 4000 {
		reply = reply[:4000] + "\n\n[truncated]"
	}

	return c.Send(reply)
}

func formatPrediction(res *domain.PredictionResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User %s\n", res.UserID)
	if res.PatternLabel != "" && res.PatternConfidence != nil {
		fmt.Fprintf(&sb, "Pattern: %s (%.2f)\n", res.PatternLabel, *res.PatternConfidence)
	}
	if res.RiskScore != nil {
		fmt.Fprintf(&sb, "Risk: %.2f\n", *res.RiskScore)
	}
	if res.AnomalyScore != nil && res.AnomalyFlag != nil {
		flag := "normal"
		if *res.AnomalyFlag {
			flag = "ANOMALOUS"
		}
		fmt.Fprintf(&sb, "Anomaly: %.2f (%s)\n", *res.AnomalyScore, flag)
	}
	if res.ClusterID != nil {
		fmt.Fprintf(&sb, "Cluster: %d\n", *res.ClusterID)
	}
	if len(res.DegradedHeads) > 0 {
		fmt.Fprintf(&sb, "Degraded heads: %s\n", strings.Join(res.DegradedHeads, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}
