package ingest

import (
	"testing"
	"time"

	"trademind/internal/domain"
)

var validationNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func validRaw() RawEvent {
	return RawEvent{
		UserID:            "u1",
		Timestamp:         "2024-06-01T11:30:00Z",
		Action:            "buy",
		Symbol:            "aapl",
		Quantity:          10,
		Price:             182.5,
		OrderType:         "limit",
		DecisionLatencyMS: 2400,
		SessionDurationS:  900,
		PortfolioExposure: 50000,
		MarketVolatility:  0.3,
		SentimentScore:    -0.2,
	}
}

func TestValidateAcceptsAndNormalizes(t *testing.T) {
	res := Validate([]RawEvent{validRaw()}, validationNow)
	if len(res.Rejected) != 0 {
		t.Fatalf("unexpected rejection: %+v", res.Rejected)
	}
	if len(res.Accepted) != 1 {
		t.Fatalf("expected 1 accepted event, got %d", len(res.Accepted))
	}
	ev := res.Accepted[0]
	if ev.Symbol != "AAPL" {
		t.Fatalf("symbol not uppercased: %q", ev.Symbol)
	}
	if ev.Action != domain.ActionBuy {
		t.Fatalf("unexpected action %q", ev.Action)
	}
	if ev.Timestamp.Location() != time.UTC {
		t.Fatal("timestamp not normalized to UTC")
	}
}

func TestValidateFieldRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RawEvent)
		field  string
	}{
		{"missing user", func(re *RawEvent) { re.UserID = "  " }, "user_id"},
		{"missing timestamp", func(re *RawEvent) { re.Timestamp = "" }, "timestamp"},
		{"malformed timestamp", func(re *RawEvent) { re.Timestamp = "yesterday" }, "timestamp"},
		{"future timestamp", func(re *RawEvent) { re.Timestamp = validationNow.Add(time.Hour).Format(time.RFC3339) }, "timestamp"},
		{"unknown action", func(re *RawEvent) { re.Action = "hold" }, "action"},
		{"missing symbol", func(re *RawEvent) { re.Symbol = "" }, "symbol"},
		{"unknown order type", func(re *RawEvent) { re.OrderType = "iceberg" }, "order_type"},
		{"zero quantity on buy", func(re *RawEvent) { re.Quantity = 0 }, "quantity"},
		{"negative price on sell", func(re *RawEvent) { re.Action = "sell"; re.Price = -1 }, "price"},
		{"negative latency", func(re *RawEvent) { re.DecisionLatencyMS = -5 }, "decision_latency_ms"},
		{"negative session", func(re *RawEvent) { re.SessionDurationS = -1 }, "session_duration_s"},
		{"negative exposure", func(re *RawEvent) { re.PortfolioExposure = -100 }, "portfolio_exposure"},
		{"negative volatility", func(re *RawEvent) { re.MarketVolatility = -0.1 }, "market_volatility"},
		{"sentiment above range", func(re *RawEvent) { re.SentimentScore = 1.5 }, "sentiment_score"},
		{"sentiment below range", func(re *RawEvent) { re.SentimentScore = -2 }, "sentiment_score"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			re := validRaw()
			tc.mutate(&re)
			res := Validate([]RawEvent{re}, validationNow)
			if len(res.Accepted) != 0 {
				t.Fatal("malformed event was accepted")
			}
			if len(res.Rejected) != 1 {
				t.Fatalf("expected 1 rejection, got %d", len(res.Rejected))
			}
			if _, ok := res.Rejected[0].Fields[tc.field]; !ok {
				t.Fatalf("expected rejection on %s, got %v", tc.field, res.Rejected[0].Fields)
			}
		})
	}
}

func TestValidateCancelAllowsZeroNotional(t *testing.T) {
	re := validRaw()
	re.Action = "cancel"
	re.Quantity = 0
	re.Price = 0
	res := Validate([]RawEvent{re}, validationNow)
	if len(res.Accepted) != 1 {
		t.Fatalf("zero-notional cancel rejected: %+v", res.Rejected)
	}
}

func TestValidateBadEventDoesNotPoisonBatch(t *testing.T) {
	good := validRaw()
	bad := validRaw()
	bad.Action = "hodl"
	bad.Quantity = -3

	res := Validate([]RawEvent{good, bad, good}, validationNow)
	if len(res.Accepted) != 2 {
		t.Fatalf("expected 2 accepted, got %d", len(res.Accepted))
	}
	if len(res.Rejected) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(res.Rejected))
	}
	if res.Rejected[0].Index != 1 {
		t.Fatalf("rejection index %d, want 1", res.Rejected[0].Index)
	}
	if len(res.Rejected[0].Fields) < 1 {
		t.Fatal("expected per-field reasons")
	}
}
