package domain

import "time"

type TradeAction string

const (
	ActionBuy    TradeAction = "buy"
	ActionSell   TradeAction = "sell"
	ActionCancel TradeAction = "cancel"
	ActionModify TradeAction = "modify"
)

func (a TradeAction) IsValid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionCancel, ActionModify:
		return true
	default:
		return false
	}
}

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

func (o OrderType) IsValid() bool {
	switch o {
	case OrderMarket, OrderLimit, OrderStop:
		return true
	default:
		return false
	}
}

// TradingEvent is one observed trading action. Immutable once recorded.
type TradingEvent struct {
	ID                int64       `json:"id"`
	UserID            string      `json:"user_id"`
	Timestamp         time.Time   `json:"timestamp"`
	Action            TradeAction `json:"action"`
	Symbol            string      `json:"symbol"`
	Quantity          float64     `json:"quantity"`
	Price             float64     `json:"price"`
	OrderType         OrderType   `json:"order_type"`
	DecisionLatencyMS float64     `json:"decision_latency_ms"`
	SessionDurationS  float64     `json:"session_duration_s"`
	PortfolioExposure float64     `json:"portfolio_exposure"`
	MarketVolatility  float64     `json:"market_volatility"`
	SentimentScore    float64     `json:"sentiment_score"`
}

// FeatureVector is the fixed-shape behavioral summary for one
// (user, as_of) pair. Never mutated, only superseded by a newer AsOf.
// Serialized ordering is defined by ml/common.FeatureNames.
type FeatureVector struct {
	UserID      string    `json:"user_id"`
	AsOf        time.Time `json:"as_of"`
	SpecVersion int       `json:"spec_version"`
	EventCount  int       `json:"event_count"`

	AvgTradeSize          float64 `json:"avg_trade_size"`
	TradeSizeStdDev       float64 `json:"trade_size_stddev"`
	TradeSizeSkew         float64 `json:"trade_size_skew"`
	TradeFrequency        float64 `json:"trade_frequency"`
	AvgDecisionLatency    float64 `json:"avg_decision_latency"`
	DecisionConsistency   float64 `json:"decision_consistency"`
	RiskAppetite          float64 `json:"risk_appetite"`
	DiversificationRatio  float64 `json:"diversification_ratio"`
	MarketTimingScore     float64 `json:"market_timing_score"`
	LossAversionScore     float64 `json:"loss_aversion_score"`
	OverconfidenceScore   float64 `json:"overconfidence_score"`
	EmotionalTradingScore float64 `json:"emotional_trading_score"`
}

type ModelStage string

const (
	StageStaging    ModelStage = "staging"
	StageProduction ModelStage = "production"
	StageArchived   ModelStage = "archived"
)

func (s ModelStage) IsValid() bool {
	switch s {
	case StageStaging, StageProduction, StageArchived:
		return true
	default:
		return false
	}
}

// ModelVersion is one trained artifact in the registry. At most one
// version per model name holds StageProduction at any time.
type ModelVersion struct {
	ID                int64      `json:"id"`
	ModelName         string     `json:"model_name"`
	Version           int        `json:"version"`
	Stage             ModelStage `json:"stage"`
	FeatureSchemaJSON string     `json:"feature_schema_json"`
	TrainedFrom       time.Time  `json:"trained_from"`
	TrainedTo         time.Time  `json:"trained_to"`
	HyperparamsJSON   string     `json:"hyperparams_json"`
	MetricsJSON       string     `json:"metrics_json"`
	ArtifactFormat    string     `json:"artifact_format"`
	ArtifactBlob      []byte     `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
}

// PredictionResult is the assembled output of one serving call.
// Nil pointer fields mean the corresponding model head degraded.
type PredictionResult struct {
	UserID            string         `json:"user_id"`
	AsOf              time.Time      `json:"as_of"`
	ModelVersions     map[string]int `json:"model_versions"`
	PatternLabel      string         `json:"pattern_label"`
	PatternConfidence *float64       `json:"pattern_confidence"`
	RiskScore         *float64       `json:"risk_score"`
	AnomalyScore      *float64       `json:"anomaly_score"`
	AnomalyFlag       *bool          `json:"anomaly_flag"`
	ClusterID         *int           `json:"cluster_id"`
	DegradedHeads     []string       `json:"degraded_heads,omitempty"`
	ExtraFeatures     []string       `json:"extra_features,omitempty"`
	Cached            bool           `json:"cached"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// FeatureRange bounds one named feature in a pattern signature.
type FeatureRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// BehaviorPattern is one static catalog archetype. Read-only reference
// data loaded at startup.
type BehaviorPattern struct {
	PatternID              string                  `json:"pattern_id"`
	Description            string                  `json:"description"`
	FeatureRanges          map[string]FeatureRange `json:"feature_ranges"`
	RiskLevel              RiskLevel               `json:"risk_level"`
	RecommendationTemplate string                  `json:"recommendation_template"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// InterventionAction is deliberately closed: the generator may ask a
// collaborator to slow the user down, never to block a transaction.
type InterventionAction string

const (
	ActionSuggestCooldown     InterventionAction = "suggest_cooldown"
	ActionRequireConfirmation InterventionAction = "require_confirmation"
)

type Insight struct {
	UserID            string    `json:"user_id"`
	PatternID         string    `json:"pattern_id"`
	Severity          Severity  `json:"severity"`
	Message           string    `json:"message"`
	RecommendedAction string    `json:"recommended_action"`
	RiskScore         float64   `json:"risk_score"`
	Confidence        float64   `json:"confidence"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type InterventionTrigger struct {
	UserID    string             `json:"user_id"`
	Severity  Severity           `json:"severity"`
	Action    InterventionAction `json:"action"`
	Reason    string             `json:"reason"`
	RiskScore float64            `json:"risk_score"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

type TrainingState string

const (
	StateScheduled   TrainingState = "SCHEDULED"
	StateExtracting  TrainingState = "EXTRACTING"
	StateEngineering TrainingState = "ENGINEERING"
	StateTraining    TrainingState = "TRAINING"
	StateValidating  TrainingState = "VALIDATING"
	StatePromoted    TrainingState = "PROMOTED"
	StateRejected    TrainingState = "REJECTED"
	StateIdle        TrainingState = "IDLE"
)

// TrainingRun records one pipeline execution and the last stage it
// completed.
type TrainingRun struct {
	ID          int64         `json:"id"`
	State       TrainingState `json:"state"`
	LastStage   TrainingState `json:"last_stage"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	DetailsJSON string        `json:"details_json,omitempty"`
}

// RetrainRequest is the advisory signal the drift monitor emits toward
// the training scheduler.
type RetrainRequest struct {
	Reason      string    `json:"reason"`
	PSI         float64   `json:"psi"`
	RequestedAt time.Time `json:"requested_at"`
}

type DriftAlert struct {
	Feature    string    `json:"feature"`
	PSI        float64   `json:"psi"`
	Threshold  float64   `json:"threshold"`
	DetectedAt time.Time `json:"detected_at"`
}
