package catalog

import (
	"fmt"
	"sort"

	"trademind/internal/domain"
	"trademind/internal/ml/common"
)

const (
	PatternConservative = "conservative"
	PatternAggressive   = "aggressive_trader"
	PatternSwing        = "swing_trader"
	PatternDayTrader    = "day_trader"
	PatternEmotional    = "emotional_trader"
	PatternAnalytical   = "analytical_trader"
	PatternMomentum     = "momentum_trader"
	PatternContrarian   = "contrarian"
)

// Catalog holds the static behavior-pattern definitions. Loaded once at
// startup, read-only afterwards.
type Catalog struct {
	patterns map[string]domain.BehaviorPattern
	order    []string
}

// Load builds the canonical eight-archetype catalog. Ranges are over
// the named features from common.FeatureNames; features a pattern does
// not name are unconstrained for that pattern.
func Load() (*Catalog, error) {
	defs := []domain.BehaviorPattern{
		{
			PatternID:   PatternConservative,
			Description: "Small positions, low turnover, broad diversification, deliberate decisions.",
			FeatureRanges: map[string]domain.FeatureRange{
				"trade_frequency":         {Min: 0, Max: 3},
				"risk_appetite":           {Min: 0, Max: 0.1},
				"diversification_ratio":   {Min: 0.4, Max: 1},
				"overconfidence_score":    {Min: 0, Max: 0.3},
				"emotional_trading_score": {Min: 0, Max: 0.3},
			},
			RiskLevel:              domain.RiskLow,
			RecommendationTemplate: "Your steady approach is working. Current behavioral risk is {risk_score}. Consider reviewing position sizing quarterly rather than reacting to single sessions.",
		},
		{
			PatternID:   PatternAggressive,
			Description: "High turnover with outsized positions relative to portfolio exposure.",
			FeatureRanges: map[string]domain.FeatureRange{
				"trade_frequency":      {Min: 15, Max: 200},
				"risk_appetite":        {Min: 0.1, Max: 10},
				"overconfidence_score": {Min: 0.5, Max: 1},
			},
			RiskLevel:              domain.RiskHigh,
			RecommendationTemplate: "You are averaging {trade_frequency} trades per day with large position sizes (behavioral risk {risk_score}). Capping single-trade exposure below 10% of your portfolio would reduce drawdown risk.",
		},
		{
			PatternID:   PatternSwing,
			Description: "Multi-day holds, moderate frequency, positions sized with the trend.",
			FeatureRanges: map[string]domain.FeatureRange{
				"trade_frequency":      {Min: 0.2, Max: 3},
				"decision_consistency": {Min: 0.3, Max: 1},
				"loss_aversion_score":  {Min: 0.3, Max: 0.7},
			},
			RiskLevel:              domain.RiskModerate,
			RecommendationTemplate: "Your swing cadence looks consistent (risk {risk_score}). Watch the loss-aversion score ({loss_aversion_score}); letting losers run longer than winners erodes the edge.",
		},
		{
			PatternID:   PatternDayTrader,
			Description: "High intraday frequency, flat overnight, short decision latency.",
			FeatureRanges: map[string]domain.FeatureRange{
				"trade_frequency":      {Min: 8, Max: 60},
				"avg_decision_latency": {Min: 0, Max: 15000},
				"risk_appetite":        {Min: 0.02, Max: 0.5},
			},
			RiskLevel:              domain.RiskModerate,
			RecommendationTemplate: "Intraday pace detected ({trade_frequency} trades/day, risk {risk_score}). Pre-defined daily loss limits matter more at this frequency than per-trade analysis.",
		},
		{
			PatternID:   PatternEmotional,
			Description: "Fast decisions under volatility, sentiment-driven sizing, clustered bursts.",
			FeatureRanges: map[string]domain.FeatureRange{
				"emotional_trading_score": {Min: 0.6, Max: 1},
				"decision_consistency":    {Min: 0, Max: 0.4},
			},
			RiskLevel:              domain.RiskHigh,
			RecommendationTemplate: "Recent trades cluster around volatile, negative-sentiment windows (emotional score {emotional_trading_score}, risk {risk_score}). A short cool-down before confirming orders placed within 5 minutes of the last one can help.",
		},
		{
			PatternID:   PatternAnalytical,
			Description: "Deliberate latency, consistent sizing, diversified, low emotional signal.",
			FeatureRanges: map[string]domain.FeatureRange{
				"decision_consistency":    {Min: 0.5, Max: 1},
				"emotional_trading_score": {Min: 0, Max: 0.25},
				"diversification_ratio":   {Min: 0.3, Max: 1},
			},
			RiskLevel:              domain.RiskLow,
			RecommendationTemplate: "Decision timing is consistent and emotion-neutral (risk {risk_score}). Your process is sound; the main exposure left is market timing ({market_timing_score}).",
		},
		{
			PatternID:   PatternMomentum,
			Description: "Buys follow favorable movement; sizing scales with recent wins.",
			FeatureRanges: map[string]domain.FeatureRange{
				"market_timing_score":  {Min: 0.55, Max: 1},
				"trade_frequency":      {Min: 2, Max: 20},
				"overconfidence_score": {Min: 0.3, Max: 0.8},
			},
			RiskLevel:              domain.RiskModerate,
			RecommendationTemplate: "Momentum entries are landing favorably ({market_timing_score} timing score, risk {risk_score}). Overconfidence tends to build after streaks; keep position size rules fixed.",
		},
		{
			PatternID:   PatternContrarian,
			Description: "Buys into unfavorable movement and negative sentiment, longer holds.",
			FeatureRanges: map[string]domain.FeatureRange{
				"market_timing_score": {Min: 0, Max: 0.45},
				"loss_aversion_score": {Min: 0.4, Max: 1},
			},
			RiskLevel:              domain.RiskModerate,
			RecommendationTemplate: "You lean against the market (timing score {market_timing_score}, risk {risk_score}). Contrarian entries need explicit exit rules; your loss-aversion score ({loss_aversion_score}) suggests losing trades are held too long.",
		},
	}

	c := &Catalog{patterns: make(map[string]domain.BehaviorPattern, len(defs))}
	known := make(map[string]struct{}, len(common.FeatureNames))
	for _, n := range common.FeatureNames {
		known[n] = struct{}{}
	}
	for _, def := range defs {
		if def.PatternID == "" || def.RecommendationTemplate == "" {
			return nil, fmt.Errorf("catalog pattern missing id or template")
		}
		if _, dup := c.patterns[def.PatternID]; dup {
			return nil, fmt.Errorf("duplicate pattern id %q", def.PatternID)
		}
		for name, r := range def.FeatureRanges {
			if _, ok := known[name]; !ok {
				return nil, fmt.Errorf("pattern %s references unknown feature %q", def.PatternID, name)
			}
			if r.Min > r.Max {
				return nil, fmt.Errorf("pattern %s feature %q has inverted range", def.PatternID, name)
			}
		}
		c.patterns[def.PatternID] = def
		c.order = append(c.order, def.PatternID)
	}
	return c, nil
}

func (c *Catalog) Get(patternID string) (domain.BehaviorPattern, bool) {
	p, ok := c.patterns[patternID]
	return p, ok
}

// PatternIDs returns the catalog labels in declaration order; this is
// the classifier's class ordering.
func (c *Catalog) PatternIDs() []string {
	return append([]string(nil), c.order...)
}

func (c *Catalog) Len() int {
	return len(c.patterns)
}

// Centroid returns the midpoint of every constrained feature range for
// a pattern, with unconstrained features filled from neutral defaults.
// Used to derive archetype labels for historical vectors.
func (c *Catalog) Centroid(patternID string) ([]float64, bool) {
	p, ok := c.patterns[patternID]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(common.FeatureNames))
	for i, name := range common.FeatureNames {
		if r, ok := p.FeatureRanges[name]; ok {
			out[i] = (r.Min + r.Max) / 2
			continue
		}
		out[i] = neutralDefaults[name]
	}
	return out, true
}

// MatchScore counts the fraction of a pattern's constrained features
// the vector falls inside. Deterministic tie-break by pattern id.
func (c *Catalog) MatchScore(patternID string, fv domain.FeatureVector) float64 {
	p, ok := c.patterns[patternID]
	if !ok || len(p.FeatureRanges) == 0 {
		return 0
	}
	names := make([]string, 0, len(p.FeatureRanges))
	for name := range p.FeatureRanges {
		names = append(names, name)
	}
	sort.Strings(names)
	hits := 0
	for _, name := range names {
		r := p.FeatureRanges[name]
		v, ok := common.ValueByName(fv, name)
		if !ok {
			continue
		}
		if v >= r.Min && v <= r.Max {
			hits++
		}
	}
	return float64(hits) / float64(len(p.FeatureRanges))
}

// BestMatch labels a vector with the archetype whose ranges it
// satisfies best. Used by the training orchestrator to derive class
// labels from historical behavior.
func (c *Catalog) BestMatch(fv domain.FeatureVector) (string, float64) {
	best := ""
	bestScore := -1.0
	for _, id := range c.order {
		score := c.MatchScore(id, fv)
		if score > bestScore {
			best = id
			bestScore = score
		}
	}
	return best, bestScore
}

var neutralDefaults = map[string]float64{
	"avg_trade_size":          1000,
	"trade_size_stddev":       250,
	"trade_size_skew":         0,
	"trade_frequency":         2,
	"avg_decision_latency":    30000,
	"decision_consistency":    0.4,
	"risk_appetite":           0.05,
	"diversification_ratio":   0.3,
	"market_timing_score":     0.5,
	"loss_aversion_score":     0.5,
	"overconfidence_score":    0.35,
	"emotional_trading_score": 0.35,
}
