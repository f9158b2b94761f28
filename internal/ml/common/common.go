package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"trademind/internal/domain"
)

const (
	ModelKeyAnomaly    = "anomaly_iforest"
	ModelKeyClassifier = "pattern_classifier"
	ModelKeyRisk       = "risk_regressor"
	ModelKeyCluster    = "behavior_cluster"
)

// ModelKeys lists every head the serving layer iterates, in a fixed
// order.
var ModelKeys = []string{
	ModelKeyAnomaly,
	ModelKeyClassifier,
	ModelKeyRisk,
	ModelKeyCluster,
}

// FeatureNames fixes the serialized ordering of the behavioral vector.
// Changing this list requires bumping features.SpecVersion.
var FeatureNames = []string{
	"avg_trade_size",
	"trade_size_stddev",
	"trade_size_skew",
	"trade_frequency",
	"avg_decision_latency",
	"decision_consistency",
	"risk_appetite",
	"diversification_ratio",
	"market_timing_score",
	"loss_aversion_score",
	"overconfidence_score",
	"emotional_trading_score",
}

func Vectorize(fv domain.FeatureVector) []float64 {
	return []float64{
		fv.AvgTradeSize,
		fv.TradeSizeStdDev,
		fv.TradeSizeSkew,
		fv.TradeFrequency,
		fv.AvgDecisionLatency,
		fv.DecisionConsistency,
		fv.RiskAppetite,
		fv.DiversificationRatio,
		fv.MarketTimingScore,
		fv.LossAversionScore,
		fv.OverconfidenceScore,
		fv.EmotionalTradingScore,
	}
}

// ValueByName returns the named feature from the vector, following the
// same ordering contract as Vectorize.
func ValueByName(fv domain.FeatureVector, name string) (float64, bool) {
	values := Vectorize(fv)
	for i, n := range FeatureNames {
		if n == name {
			return values[i], true
		}
	}
	return 0, false
}

// Override returns a copy of values with named overrides applied and
// the list of names that did not match the fixed schema (appended
// extras, never fed to fixed-schema heads).
func Override(values []float64, extra map[string]float64) ([]float64, []string) {
	if len(extra) == 0 {
		return values, nil
	}
	out := append([]float64(nil), values...)
	index := make(map[string]int, len(FeatureNames))
	for i, n := range FeatureNames {
		index[n] = i
	}
	var appended []string
	for name, v := range extra {
		if i, ok := index[name]; ok {
			out[i] = v
			continue
		}
		appended = append(appended, name)
	}
	return out, appended
}

func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FeatureSchemaJSON serializes the ordered schema stored alongside
// every model artifact.
func FeatureSchemaJSON(specVersion int) string {
	type column struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	schema := struct {
		SpecVersion int      `json:"spec_version"`
		Columns     []column `json:"columns"`
	}{SpecVersion: specVersion}
	for _, n := range FeatureNames {
		schema.Columns = append(schema.Columns, column{Name: n, Type: "float64"})
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// VectorHash keys cached predictions by exact feature content.
func VectorHash(userID string, values []float64) string {
	var sb strings.Builder
	sb.WriteString(userID)
	for _, v := range values {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:16])
}
