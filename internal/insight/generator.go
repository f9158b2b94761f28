package insight

import (
	"fmt"
	"strings"
	"time"

	"trademind/internal/catalog"
	"trademind/internal/domain"
	"trademind/internal/ml/common"
)

type Config struct {
	WarnRiskThreshold     float64
	CriticalRiskThreshold float64
	MinConfidence         float64
	TTL                   time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarnRiskThreshold:     0.6,
		CriticalRiskThreshold: 0.8,
		MinConfidence:         0.5,
		TTL:                   time.Hour,
	}
}

// Generator turns a prediction into a human-readable insight and, when
// risk warrants it, an intervention trigger. It only ever suggests
// friction; the action set cannot express blocking a transaction.
type Generator struct {
	catalog *catalog.Catalog
	cfg     Config
}

func NewGenerator(cat *catalog.Catalog, cfg Config) *Generator {
	if cfg.WarnRiskThreshold <= 0 {
		cfg.WarnRiskThreshold = DefaultConfig().WarnRiskThreshold
	}
	if cfg.CriticalRiskThreshold <= 0 {
		cfg.CriticalRiskThreshold = DefaultConfig().CriticalRiskThreshold
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultConfig().MinConfidence
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Generator{catalog: cat, cfg: cfg}
}

// Generate builds the insight for one prediction. Returns nil when the
// prediction carries nothing to say (no pattern and no risk score).
// The trigger is non-nil only at warning severity or above.
func (g *Generator) Generate(res domain.PredictionResult, fv domain.FeatureVector, now time.Time) (*domain.Insight, *domain.InterventionTrigger) {
	if res.PatternLabel == "" && res.RiskScore == nil {
		return nil, nil
	}

	risk := 0.0
	if res.RiskScore != nil {
		risk = *res.RiskScore
	}
	confidence := 0.0
	if res.PatternConfidence != nil {
		confidence = *res.PatternConfidence
	}

	severity := domain.SeverityInfo
	if res.RiskScore != nil {
		switch {
		case risk >= g.cfg.CriticalRiskThreshold:
			severity = domain.SeverityCritical
		case risk >= g.cfg.WarnRiskThreshold:
			severity = domain.SeverityWarning
		}
	}

	// Low-confidence pattern calls never escalate: the message falls
	// back to a neutral observation and severity caps at info.
	patternID := res.PatternLabel
	message := ""
	if patternID != "" && confidence >= g.cfg.MinConfidence {
		if p, ok := g.catalog.Get(patternID); ok {
			message = g.interpolate(p.RecommendationTemplate, fv, risk)
		}
	}
	if message == "" {
		severity = domain.SeverityInfo
		message = fmt.Sprintf(
			"Not enough signal to name a dominant trading pattern yet. Current behavioral risk is %.2f; keep building history for sharper guidance.",
			risk)
	}

	// The anomaly head escalates on its own: a user can look benign to
	// the risk regressor while deviating sharply from their own history.
	if res.AnomalyFlag != nil && *res.AnomalyFlag &&
		confidence >= g.cfg.MinConfidence && severity == domain.SeverityInfo {
		severity = domain.SeverityWarning
		message += " Recent activity also deviates sharply from this account's own history."
	}

	action := recommendedAction(severity)

	ins := &domain.Insight{
		UserID:            res.UserID,
		PatternID:         patternID,
		Severity:          severity,
		Message:           message,
		RecommendedAction: string(action),
		RiskScore:         risk,
		Confidence:        confidence,
		CreatedAt:         now.UTC(),
		ExpiresAt:         now.UTC().Add(g.cfg.TTL),
	}

	if severity == domain.SeverityInfo {
		return ins, nil
	}
	trigger := &domain.InterventionTrigger{
		UserID:    res.UserID,
		Severity:  severity,
		Action:    action,
		Reason:    message,
		RiskScore: risk,
		CreatedAt: ins.CreatedAt,
		ExpiresAt: ins.ExpiresAt,
	}
	return ins, trigger
}

func recommendedAction(severity domain.Severity) domain.InterventionAction {
	if severity == domain.SeverityCritical {
		return domain.ActionRequireConfirmation
	}
	return domain.ActionSuggestCooldown
}

// interpolate fills {placeholder} slots in a template from the feature
// vector and the risk score. Unknown placeholders stay visible rather
// than silently vanishing.
func (g *Generator) interpolate(template string, fv domain.FeatureVector, risk float64) string {
	out := strings.ReplaceAll(template, "{risk_score}", fmt.Sprintf("%.2f", risk))
	for _, name := range common.FeatureNames {
		slot := "{" + name + "}"
		if !strings.Contains(out, slot) {
			continue
		}
		v, _ := common.ValueByName(fv, name)
		out = strings.ReplaceAll(out, slot, fmt.Sprintf("%.2f", v))
	}
	return out
}
