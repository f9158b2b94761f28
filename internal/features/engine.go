package features

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"trademind/internal/domain"

	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat"
)

// SpecVersion identifies the feature schema. Bump when FeatureNames or
// any formula changes, so artifacts trained on older vectors are not
// served against newer ones.
const SpecVersion = 1

type EventSource interface {
	ListEvents(ctx context.Context, userID string, from, to time.Time) ([]domain.TradingEvent, error)
}

type Config struct {
	MinEvents           int
	LookForward         time.Duration
	NeutralBand         float64
	LossHoldMultiple    float64
	FreqCeilingPerDay   float64
	RiskyTradeThreshold float64
	FastDecisionMS      float64
	HighVolatility      float64
	NegativeSentiment   float64
	LargeTradeMultiple  float64
	ClusterWindow       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinEvents:           5,
		LookForward:         24 * time.Hour,
		NeutralBand:         0.005,
		LossHoldMultiple:    1.5,
		FreqCeilingPerDay:   20,
		RiskyTradeThreshold: 0.10,
		FastDecisionMS:      5000,
		HighVolatility:      0.5,
		NegativeSentiment:   -0.5,
		LargeTradeMultiple:  1.5,
		ClusterWindow:       5 * time.Minute,
	}
}

// Engine computes behavioral feature vectors. Compute is a pure
// function of the event set: identical inputs yield identical vectors.
type Engine struct {
	tracer trace.Tracer
	events EventSource
	cfg    Config
}

func NewEngine(tracer trace.Tracer, events EventSource, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = def.MinEvents
	}
	if cfg.LookForward <= 0 {
		cfg.LookForward = def.LookForward
	}
	if cfg.NeutralBand <= 0 {
		cfg.NeutralBand = def.NeutralBand
	}
	if cfg.LossHoldMultiple <= 1 {
		cfg.LossHoldMultiple = def.LossHoldMultiple
	}
	if cfg.FreqCeilingPerDay <= 0 {
		cfg.FreqCeilingPerDay = def.FreqCeilingPerDay
	}
	if cfg.RiskyTradeThreshold <= 0 {
		cfg.RiskyTradeThreshold = def.RiskyTradeThreshold
	}
	if cfg.FastDecisionMS <= 0 {
		cfg.FastDecisionMS = def.FastDecisionMS
	}
	if cfg.HighVolatility <= 0 {
		cfg.HighVolatility = def.HighVolatility
	}
	if cfg.NegativeSentiment >= 0 {
		cfg.NegativeSentiment = def.NegativeSentiment
	}
	if cfg.LargeTradeMultiple <= 1 {
		cfg.LargeTradeMultiple = def.LargeTradeMultiple
	}
	if cfg.ClusterWindow <= 0 {
		cfg.ClusterWindow = def.ClusterWindow
	}
	return &Engine{tracer: tracer, events: events, cfg: cfg}
}

// Compute builds the vector for (userID, asOf) over the lookback
// window. Returns domain.ErrInsufficientData when fewer than MinEvents
// events exist, and a *domain.FeatureComputationError when a bounded
// score leaves [0,1] — the vector is aborted, never stored corrupted.
func (e *Engine) Compute(ctx context.Context, userID string, asOf time.Time, lookback time.Duration) (domain.FeatureVector, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "feature-engine.compute")
		defer span.End()
	}

	from := asOf.Add(-lookback)
	events, err := e.events.ListEvents(ctx, userID, from, asOf)
	if err != nil {
		return domain.FeatureVector{}, fmt.Errorf("list events for %s: %w", userID, err)
	}
	return e.FromEvents(userID, asOf, events)
}

// FromEvents computes the vector from an already-loaded event set.
// Exposed so the training orchestrator can reuse one extraction pass.
func (e *Engine) FromEvents(userID string, asOf time.Time, events []domain.TradingEvent) (domain.FeatureVector, error) {
	if len(events) < e.cfg.MinEvents {
		return domain.FeatureVector{}, fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientData, len(events), e.cfg.MinEvents)
	}

	sorted := make([]domain.TradingEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].Timestamp.UTC(), sorted[j].Timestamp.UTC()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sorted[i].ID < sorted[j].ID
	})

	trades := make([]domain.TradingEvent, 0, len(sorted))
	for _, ev := range sorted {
		if ev.Action == domain.ActionBuy || ev.Action == domain.ActionSell {
			trades = append(trades, ev)
		}
	}

	fv := domain.FeatureVector{
		UserID:      userID,
		AsOf:        asOf.UTC(),
		SpecVersion: SpecVersion,
		EventCount:  len(sorted),
	}

	fv.AvgTradeSize, fv.TradeSizeStdDev, fv.TradeSizeSkew = sizeMoments(trades)
	fv.TradeFrequency = tradeFrequency(trades)
	fv.AvgDecisionLatency, fv.DecisionConsistency = decisionTiming(trades)
	fv.RiskAppetite = riskAppetite(trades)
	fv.DiversificationRatio = diversification(trades)
	fv.MarketTimingScore = e.marketTiming(sorted)
	fv.LossAversionScore = e.lossAversion(trades)

	var err error
	if fv.OverconfidenceScore, err = e.overconfidence(trades, fv.TradeFrequency); err != nil {
		return domain.FeatureVector{}, err
	}
	if fv.EmotionalTradingScore, err = e.emotionalTrading(trades, fv.AvgTradeSize); err != nil {
		return domain.FeatureVector{}, err
	}

	for _, check := range []struct {
		name  string
		value float64
	}{
		{"decision_consistency", fv.DecisionConsistency},
		{"diversification_ratio", fv.DiversificationRatio},
		{"market_timing_score", fv.MarketTimingScore},
		{"loss_aversion_score", fv.LossAversionScore},
		{"overconfidence_score", fv.OverconfidenceScore},
		{"emotional_trading_score", fv.EmotionalTradingScore},
	} {
		if err := boundedScore(check.name, check.value); err != nil {
			return domain.FeatureVector{}, err
		}
	}

	return fv, nil
}

func sizeMoments(trades []domain.TradingEvent) (mean, stddev, skew float64) {
	if len(trades) == 0 {
		return 0, 0, 0
	}
	sizes := make([]float64, len(trades))
	for i, t := range trades {
		sizes[i] = t.Quantity * t.Price
	}
	mean = stat.Mean(sizes, nil)
	if len(sizes) >= 2 {
		stddev = stat.StdDev(sizes, nil)
	}
	if len(sizes) >= 3 && stddev > 0 {
		skew = stat.Skew(sizes, nil)
	}
	if math.IsNaN(stddev) {
		stddev = 0
	}
	if math.IsNaN(skew) {
		skew = 0
	}
	return mean, stddev, skew
}

func tradeFrequency(trades []domain.TradingEvent) float64 {
	if len(trades) == 0 {
		return 0
	}
	days := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		days[t.Timestamp.UTC().Format("2006-01-02")] = struct{}{}
	}
	distinct := len(days)
	if distinct < 1 {
		distinct = 1
	}
	return float64(len(trades)) / float64(distinct)
}

// decisionTiming returns the mean decision latency in ms and a
// consistency score 1/(1+stdev), with stdev taken in seconds so the
// score spans (0,1] on realistic latencies.
func decisionTiming(trades []domain.TradingEvent) (mean, consistency float64) {
	if len(trades) == 0 {
		return 0, 1
	}
	latencies := make([]float64, len(trades))
	for i, t := range trades {
		latencies[i] = t.DecisionLatencyMS
	}
	mean = stat.Mean(latencies, nil)
	stddevSecs := 0.0
	if len(latencies) >= 2 {
		secs := make([]float64, len(latencies))
		for i, v := range latencies {
			secs[i] = v / 1000
		}
		stddevSecs = stat.StdDev(secs, nil)
		if math.IsNaN(stddevSecs) {
			stddevSecs = 0
		}
	}
	return mean, 1 / (1 + stddevSecs)
}

func riskAppetite(trades []domain.TradingEvent) float64 {
	sum := 0.0
	n := 0
	for _, t := range trades {
		if t.PortfolioExposure <= 0 {
			continue
		}
		sum += t.Quantity * t.Price / t.PortfolioExposure
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func diversification(trades []domain.TradingEvent) float64 {
	if len(trades) == 0 {
		return 0
	}
	symbols := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		symbols[t.Symbol] = struct{}{}
	}
	return float64(len(symbols)) / float64(len(trades))
}

// marketTiming classifies each buy by the last observed price on the
// same symbol inside the look-forward horizon: favorable=1,
// unfavorable=0, neutral=0.5; buys with no later observation are
// skipped. No samples at all scores neutral.
func (e *Engine) marketTiming(events []domain.TradingEvent) float64 {
	sum := 0.0
	n := 0
	for i, ev := range events {
		if ev.Action != domain.ActionBuy || ev.Price <= 0 {
			continue
		}
		horizon := ev.Timestamp.Add(e.cfg.LookForward)
		lastPrice := 0.0
		seen := false
		for j := i + 1; j < len(events); j++ {
			next := events[j]
			if next.Timestamp.After(horizon) {
				break
			}
			if next.Symbol != ev.Symbol || next.Price <= 0 {
				continue
			}
			lastPrice = next.Price
			seen = true
		}
		if !seen {
			continue
		}
		move := lastPrice/ev.Price - 1
		switch {
		case move > e.cfg.NeutralBand:
			sum += 1
		case move < -e.cfg.NeutralBand:
			sum += 0
		default:
			sum += 0.5
		}
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

// lossAversion pairs each sell with the oldest unmatched buy of the
// same symbol (FIFO) and compares average holding duration of losing
// vs winning round trips. Scores drift from 0.5 toward 1 as losers are
// held LossHoldMultiple times longer than winners, toward 0 in the
// inverse case.
func (e *Engine) lossAversion(trades []domain.TradingEvent) float64 {
	open := make(map[string][]domain.TradingEvent)
	var winHolds, lossHolds []float64
	for _, t := range trades {
		switch t.Action {
		case domain.ActionBuy:
			open[t.Symbol] = append(open[t.Symbol], t)
		case domain.ActionSell:
			queue := open[t.Symbol]
			if len(queue) == 0 {
				continue
			}
			buy := queue[0]
			open[t.Symbol] = queue[1:]
			hold := t.Timestamp.Sub(buy.Timestamp).Seconds()
			if hold < 0 {
				continue
			}
			if t.Price > buy.Price {
				winHolds = append(winHolds, hold)
			} else {
				lossHolds = append(lossHolds, hold)
			}
		}
	}
	if len(winHolds) == 0 && len(lossHolds) == 0 {
		return 0.5
	}
	avgWin := meanOf(winHolds)
	avgLoss := meanOf(lossHolds)
	switch {
	case avgWin == 0 && avgLoss == 0:
		return 0.5
	case avgWin == 0:
		return 1
	case avgLoss == 0:
		return 0
	}
	span := e.cfg.LossHoldMultiple - 1
	if avgLoss >= avgWin {
		ratio := avgLoss / avgWin
		return 0.5 + 0.5*math.Min(1, (ratio-1)/span)
	}
	ratio := avgWin / avgLoss
	return 0.5 - 0.5*math.Min(1, (ratio-1)/span)
}

// overconfidence blends trade frequency saturated against the
// reference ceiling (saturation is part of the feature definition),
// the fraction of oversized-risk trades, and the fraction of market
// orders placed into high volatility.
func (e *Engine) overconfidence(trades []domain.TradingEvent, freq float64) (float64, error) {
	freqComp := math.Min(1, freq/e.cfg.FreqCeilingPerDay)

	risky := 0
	marketHighVol := 0
	for _, t := range trades {
		if t.PortfolioExposure > 0 && t.Quantity*t.Price/t.PortfolioExposure > e.cfg.RiskyTradeThreshold {
			risky++
		}
		if t.OrderType == domain.OrderMarket && t.MarketVolatility > e.cfg.HighVolatility {
			marketHighVol++
		}
	}
	riskyComp := 0.0
	marketComp := 0.0
	if len(trades) > 0 {
		riskyComp = float64(risky) / float64(len(trades))
		marketComp = float64(marketHighVol) / float64(len(trades))
	}

	for _, c := range []struct {
		name  string
		value float64
	}{
		{"overconfidence.frequency", freqComp},
		{"overconfidence.risky_fraction", riskyComp},
		{"overconfidence.market_highvol", marketComp},
	} {
		if err := boundedScore(c.name, c.value); err != nil {
			return 0, err
		}
	}
	return 0.4*freqComp + 0.3*riskyComp + 0.3*marketComp, nil
}

// emotionalTrading blends fast decisions under volatility, large
// trades into strongly negative sentiment, and tight inter-arrival
// clustering.
func (e *Engine) emotionalTrading(trades []domain.TradingEvent, avgSize float64) (float64, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	fast := 0
	largeNegative := 0
	clustered := 0
	for i, t := range trades {
		if t.DecisionLatencyMS < e.cfg.FastDecisionMS && t.MarketVolatility > e.cfg.HighVolatility {
			fast++
		}
		if avgSize > 0 && t.Quantity*t.Price > e.cfg.LargeTradeMultiple*avgSize && t.SentimentScore < e.cfg.NegativeSentiment {
			largeNegative++
		}
		if i > 0 && t.Timestamp.Sub(trades[i-1].Timestamp) < e.cfg.ClusterWindow {
			clustered++
		}
	}
	n := float64(len(trades))
	fastComp := float64(fast) / n
	largeComp := float64(largeNegative) / n
	clusterComp := float64(clustered) / n

	for _, c := range []struct {
		name  string
		value float64
	}{
		{"emotional.fast_highvol", fastComp},
		{"emotional.large_negative", largeComp},
		{"emotional.clustered", clusterComp},
	} {
		if err := boundedScore(c.name, c.value); err != nil {
			return 0, err
		}
	}
	return 0.4*fastComp + 0.3*largeComp + 0.3*clusterComp, nil
}

// boundedScore fails loud instead of clipping: a score outside [0,1]
// means a formula bug, and a corrupted vector must never be stored.
func boundedScore(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return &domain.FeatureComputationError{Feature: name, Value: v}
	}
	return nil
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
