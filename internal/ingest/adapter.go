package ingest

import (
	"math"
	"strings"
	"time"

	"trademind/internal/domain"
)

// RawEvent is the wire shape accepted on the ingest endpoint before
// validation. Timestamps arrive as RFC 3339 strings.
type RawEvent struct {
	UserID            string  `json:"user_id"`
	Timestamp         string  `json:"timestamp"`
	Action            string  `json:"action"`
	Symbol            string  `json:"symbol"`
	Quantity          float64 `json:"quantity"`
	Price             float64 `json:"price"`
	OrderType         string  `json:"order_type"`
	DecisionLatencyMS float64 `json:"decision_latency_ms"`
	SessionDurationS  float64 `json:"session_duration_s"`
	PortfolioExposure float64 `json:"portfolio_exposure"`
	MarketVolatility  float64 `json:"market_volatility"`
	SentimentScore    float64 `json:"sentiment_score"`
}

// Result of validating one batch: accepted events preserve input order,
// rejections carry per-field reasons keyed by the original index.
type Result struct {
	Accepted []domain.TradingEvent
	Rejected []domain.IngestError
}

// Validate normalizes and checks a batch. Each malformed event is
// rejected individually; one bad event never poisons the batch.
func Validate(raw []RawEvent, now time.Time) Result {
	var res Result
	for i, re := range raw {
		fields := map[string]string{}

		userID := strings.TrimSpace(re.UserID)
		if userID == "" {
			fields["user_id"] = "required"
		}

		var ts time.Time
		if re.Timestamp == "" {
			fields["timestamp"] = "required"
		} else {
			var err error
			ts, err = time.Parse(time.RFC3339, re.Timestamp)
			if err != nil {
				fields["timestamp"] = "not RFC 3339"
			} else if ts.After(now.Add(time.Minute)) {
				fields["timestamp"] = "in the future"
			}
		}

		action := domain.TradeAction(strings.ToLower(strings.TrimSpace(re.Action)))
		if !action.IsValid() {
			fields["action"] = "must be buy, sell, cancel or modify"
		}

		symbol := strings.ToUpper(strings.TrimSpace(re.Symbol))
		if symbol == "" {
			fields["symbol"] = "required"
		}

		orderType := domain.OrderType(strings.ToLower(strings.TrimSpace(re.OrderType)))
		if !orderType.IsValid() {
			fields["order_type"] = "must be market, limit or stop"
		}

		// Trades need a positive notional; cancels and modifies may
		// legitimately carry zeros.
		if action == domain.ActionBuy || action == domain.ActionSell {
			if !(re.Quantity > 0) || math.IsInf(re.Quantity, 0) {
				fields["quantity"] = "must be positive"
			}
			if !(re.Price > 0) || math.IsInf(re.Price, 0) {
				fields["price"] = "must be positive"
			}
		} else {
			if re.Quantity < 0 || math.IsNaN(re.Quantity) || math.IsInf(re.Quantity, 0) {
				fields["quantity"] = "must be non-negative"
			}
			if re.Price < 0 || math.IsNaN(re.Price) || math.IsInf(re.Price, 0) {
				fields["price"] = "must be non-negative"
			}
		}

		if re.DecisionLatencyMS < 0 || math.IsNaN(re.DecisionLatencyMS) {
			fields["decision_latency_ms"] = "must be non-negative"
		}
		if re.SessionDurationS < 0 || math.IsNaN(re.SessionDurationS) {
			fields["session_duration_s"] = "must be non-negative"
		}
		if re.PortfolioExposure < 0 || math.IsNaN(re.PortfolioExposure) {
			fields["portfolio_exposure"] = "must be non-negative"
		}
		if re.MarketVolatility < 0 || math.IsNaN(re.MarketVolatility) {
			fields["market_volatility"] = "must be non-negative"
		}
		if re.SentimentScore < -1 || re.SentimentScore > 1 || math.IsNaN(re.SentimentScore) {
			fields["sentiment_score"] = "must be in [-1, 1]"
		}

		if len(fields) > 0 {
			res.Rejected = append(res.Rejected, domain.IngestError{Index: i, Fields: fields})
			continue
		}

		res.Accepted = append(res.Accepted, domain.TradingEvent{
			UserID:            userID,
			Timestamp:         ts.UTC(),
			Action:            action,
			Symbol:            symbol,
			Quantity:          re.Quantity,
			Price:             re.Price,
			OrderType:         orderType,
			DecisionLatencyMS: re.DecisionLatencyMS,
			SessionDurationS:  re.SessionDurationS,
			PortfolioExposure: re.PortfolioExposure,
			MarketVolatility:  re.MarketVolatility,
			SentimentScore:    re.SentimentScore,
		})
	}
	return res
}
