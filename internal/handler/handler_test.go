package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trademind/internal/catalog"
	"trademind/internal/domain"
	"trademind/internal/insight"
	"trademind/internal/ml/common"
	"trademind/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

func testHandler(t *testing.T) (*Handler, *handlerStubs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	stubs := &handlerStubs{
		events:    &stubEventWriter{},
		predictor: &stubPredictor{},
		registry:  &stubRegistryAdmin{},
		insights:  &stubInsightStore{},
		notifier:  &stubNotifier{},
	}
	h := &Handler{
		tracer:    trace.NewNoopTracerProvider().Tracer("handler-test"),
		events:    stubs.events,
		predictor: stubs.predictor,
		registry:  stubs.registry,
		generator: insight.NewGenerator(cat, insight.Config{}),
		insights:  stubs.insights,
		notifier:  stubs.notifier,
	}
	return h, stubs
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	blob, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(blob))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestIngestEventsSuccess(t *testing.T) {
	h, stubs := testHandler(t)
	router := gin.New()
	router.POST("/api/events", h.IngestEvents)

	w := postJSON(t, router, "/api/events", gin.H{
		"events": []gin.H{
			{
				"user_id":    "u1",
				"timestamp":  time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
				"action":     "buy",
				"symbol":     "aapl",
				"quantity":   5,
				"price":      100,
				"order_type": "limit",
			},
			{
				"user_id":    "u1",
				"timestamp":  "garbage",
				"action":     "buy",
				"symbol":     "AAPL",
				"quantity":   5,
				"price":      100,
				"order_type": "limit",
			},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Inserted int                  `json:"inserted"`
		Rejected []domain.IngestError `json:"rejected"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Inserted != 1 {
		t.Fatalf("expected 1 inserted, got %d", resp.Inserted)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].Index != 1 {
		t.Fatalf("unexpected rejections: %+v", resp.Rejected)
	}
	if len(stubs.events.inserted) != 1 || stubs.events.inserted[0].Symbol != "AAPL" {
		t.Fatalf("unexpected stored events: %+v", stubs.events.inserted)
	}
}

func TestIngestEventsEmptyBatch(t *testing.T) {
	h, _ := testHandler(t)
	router := gin.New()
	router.POST("/api/events", h.IngestEvents)

	w := postJSON(t, router, "/api/events", gin.H{"events": []gin.H{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestPredictSuccessEmitsInsight(t *testing.T) {
	h, stubs := testHandler(t)
	risk := 0.85
	conf := 0.9
	stubs.predictor.result = &domain.PredictionResult{
		UserID:            "u1",
		PatternLabel:      catalog.PatternAggressive,
		PatternConfidence: &conf,
		RiskScore:         &risk,
	}
	router := gin.New()
	router.POST("/api/predict", h.Predict)

	w := postJSON(t, router, "/api/predict", gin.H{"user_id": "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(stubs.insights.saved) != 1 {
		t.Fatalf("expected 1 saved insight, got %d", len(stubs.insights.saved))
	}
	if len(stubs.notifier.triggers) != 1 {
		t.Fatalf("expected intervention trigger at critical risk, got %d", len(stubs.notifier.triggers))
	}
	if stubs.notifier.triggers[0].Action != domain.ActionRequireConfirmation {
		t.Fatalf("unexpected trigger action %s", stubs.notifier.triggers[0].Action)
	}
}

func TestPredictCachedSkipsInsight(t *testing.T) {
	h, stubs := testHandler(t)
	risk := 0.85
	stubs.predictor.result = &domain.PredictionResult{UserID: "u1", RiskScore: &risk, Cached: true}
	router := gin.New()
	router.POST("/api/predict", h.Predict)

	w := postJSON(t, router, "/api/predict", gin.H{"user_id": "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(stubs.insights.saved) != 0 {
		t.Fatal("cached result must not emit a fresh insight")
	}
}

func TestPredictErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrFeatureNotFound, http.StatusNotFound},
		{domain.ErrInsufficientData, http.StatusNotFound},
		{domain.ErrModelNotFound, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, stubs := testHandler(t)
		stubs.predictor.err = tc.err
		router := gin.New()
		router.POST("/api/predict", h.Predict)

		w := postJSON(t, router, "/api/predict", gin.H{"user_id": "u1"})
		if w.Code != tc.want {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestPredictMissingUserID(t *testing.T) {
	h, _ := testHandler(t)
	router := gin.New()
	router.POST("/api/predict", h.Predict)

	w := postJSON(t, router, "/api/predict", gin.H{"user_id": "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestBatchPredictReportsPerUserFailures(t *testing.T) {
	h, stubs := testHandler(t)
	risk := 0.2
	stubs.predictor.result = &domain.PredictionResult{UserID: "u1", RiskScore: &risk}
	stubs.predictor.failures = map[string]error{"u2": domain.ErrFeatureNotFound}
	router := gin.New()
	router.POST("/api/predict/batch", h.BatchPredict)

	w := postJSON(t, router, "/api/predict/batch", gin.H{"user_ids": []string{"u1", "u2"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Results map[string]json.RawMessage `json:"results"`
		Errors  map[string]string          `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if _, ok := resp.Results["u1"]; !ok {
		t.Fatalf("missing result for u1: %+v", resp.Results)
	}
	if resp.Errors["u2"] == "" {
		t.Fatalf("missing error for u2: %+v", resp.Errors)
	}
}

func TestBatchPredictSizeLimits(t *testing.T) {
	h, _ := testHandler(t)
	router := gin.New()
	router.POST("/api/predict/batch", h.BatchPredict)

	w := postJSON(t, router, "/api/predict/batch", gin.H{"user_ids": []string{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: expected 400, got %d", w.Code)
	}

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = "u"
	}
	w = postJSON(t, router, "/api/predict/batch", gin.H{"user_ids": ids})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized batch: expected 400, got %d", w.Code)
	}
}

func TestListModels(t *testing.T) {
	h, stubs := testHandler(t)
	stubs.registry.versions = map[string][]domain.ModelVersion{
		"risk_regressor": {
			{ModelName: "risk_regressor", Version: 3, Stage: domain.StageProduction},
			{ModelName: "risk_regressor", Version: 2, Stage: domain.StageArchived},
		},
	}
	router := gin.New()
	router.GET("/api/models", h.ListModels)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Models map[string]struct {
			Production int                   `json:"production"`
			Versions   []domain.ModelVersion `json:"versions"`
		} `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(resp.Models) != len(common.ModelKeys) {
		t.Fatalf("expected %d heads, got %d", len(common.ModelKeys), len(resp.Models))
	}
	if resp.Models["risk_regressor"].Production != 3 {
		t.Fatalf("unexpected production version: %+v", resp.Models["risk_regressor"])
	}
}

func TestPromoteModel(t *testing.T) {
	h, stubs := testHandler(t)
	stubs.registry.production = map[string]*domain.ModelVersion{
		"risk_regressor": {ModelName: "risk_regressor", Version: 2, Stage: domain.StageProduction},
	}
	router := gin.New()
	router.POST("/api/models/:name/promote", h.PromoteModel)

	w := postJSON(t, router, "/api/models/risk_regressor/promote", gin.H{"version": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(stubs.registry.promotions) != 1 {
		t.Fatalf("expected 1 promotion, got %d", len(stubs.registry.promotions))
	}
	p := stubs.registry.promotions[0]
	if p.ModelName != "risk_regressor" || p.Version != 3 || p.ExpectedProduction != 2 {
		t.Fatalf("unexpected promotion: %+v", p)
	}
}

func TestPromoteModelErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{pgx.ErrNoRows, http.StatusNotFound},
		{domain.ErrConcurrentModification, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, stubs := testHandler(t)
		stubs.registry.promoteErr = tc.err
		router := gin.New()
		router.POST("/api/models/:name/promote", h.PromoteModel)

		w := postJSON(t, router, "/api/models/risk_regressor/promote", gin.H{"version": 3})
		if w.Code != tc.want {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestPromoteUnknownModel(t *testing.T) {
	h, _ := testHandler(t)
	router := gin.New()
	router.POST("/api/models/:name/promote", h.PromoteModel)

	w := postJSON(t, router, "/api/models/xgboost/promote", gin.H{"version": 1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRollbackModel(t *testing.T) {
	h, stubs := testHandler(t)
	router := gin.New()
	router.POST("/api/models/:name/rollback", h.RollbackModel)

	w := postJSON(t, router, "/api/models/behavior_cluster/rollback", gin.H{"version": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if stubs.registry.rolledBack != "behavior_cluster:1" {
		t.Fatalf("unexpected rollback target %q", stubs.registry.rolledBack)
	}
}

func TestGetInsightsScopedToUser(t *testing.T) {
	h, stubs := testHandler(t)
	stubs.insights.userList = []domain.Insight{{UserID: "u1", Message: "hi"}}
	router := gin.New()
	router.GET("/api/insights", h.GetInsights)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/insights?user_id=u1&limit=5", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if stubs.insights.lastUser != "u1" || stubs.insights.lastLimit != 5 {
		t.Fatalf("unexpected store call: user %q limit %d", stubs.insights.lastUser, stubs.insights.lastLimit)
	}
}

func TestGetInsightsRejectsBadLimit(t *testing.T) {
	h, _ := testHandler(t)
	router := gin.New()
	router.GET("/api/insights", h.GetInsights)

	for _, q := range []string{"limit=0", "limit=101", "limit=abc"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/insights?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestReadyGating(t *testing.T) {
	h, stubs := testHandler(t)
	router := gin.New()
	router.GET("/ready", h.Ready)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("no production models: expected 503, got %d", w.Code)
	}

	stubs.registry.production = map[string]*domain.ModelVersion{
		"anomaly_iforest": {ModelName: "anomaly_iforest", Version: 1, Stage: domain.StageProduction},
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 once a head is in production, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	h, _ := testHandler(t)
	router := gin.New()
	router.GET("/health", h.Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

type handlerStubs struct {
	events    *stubEventWriter
	predictor *stubPredictor
	registry  *stubRegistryAdmin
	insights  *stubInsightStore
	notifier  *stubNotifier
}

type stubEventWriter struct {
	inserted []domain.TradingEvent
}

func (s *stubEventWriter) InsertEvents(_ context.Context, events []domain.TradingEvent) (int, error) {
	s.inserted = append(s.inserted, events...)
	return len(events), nil
}

type stubPredictor struct {
	result   *domain.PredictionResult
	err      error
	failures map[string]error
}

func (s *stubPredictor) Predict(_ context.Context, userID string, _ map[string]float64) (*domain.PredictionResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := *s.result
	out.UserID = userID
	return &out, nil
}

func (s *stubPredictor) BatchPredict(_ context.Context, userIDs []string, _ map[string]float64) (map[string]*domain.PredictionResult, map[string]error) {
	results := make(map[string]*domain.PredictionResult)
	failures := make(map[string]error)
	for _, id := range userIDs {
		if err, ok := s.failures[id]; ok {
			failures[id] = err
			continue
		}
		out := *s.result
		out.UserID = id
		results[id] = &out
	}
	return results, failures
}

type stubRegistryAdmin struct {
	versions   map[string][]domain.ModelVersion
	production map[string]*domain.ModelVersion
	promotions []repository.Promotion
	promoteErr error
	rolledBack string
}

func (s *stubRegistryAdmin) ListVersions(_ context.Context, modelName string, _ int) ([]domain.ModelVersion, error) {
	return s.versions[modelName], nil
}

func (s *stubRegistryAdmin) GetProduction(_ context.Context, modelName string) (*domain.ModelVersion, error) {
	return s.production[modelName], nil
}

func (s *stubRegistryAdmin) PromoteAll(_ context.Context, promotions []repository.Promotion) error {
	if s.promoteErr != nil {
		return s.promoteErr
	}
	s.promotions = append(s.promotions, promotions...)
	return nil
}

func (s *stubRegistryAdmin) RollbackTo(_ context.Context, modelName string, version int) error {
	s.rolledBack = fmt.Sprintf("%s:%d", modelName, version)
	return nil
}

type stubInsightStore struct {
	saved     []domain.Insight
	userList  []domain.Insight
	lastUser  string
	lastLimit int
}

func (s *stubInsightStore) Save(_ context.Context, ins domain.Insight) error {
	s.saved = append(s.saved, ins)
	return nil
}

func (s *stubInsightStore) ListUser(_ context.Context, userID string, limit int) ([]domain.Insight, error) {
	s.lastUser = userID
	s.lastLimit = limit
	return s.userList, nil
}

func (s *stubInsightStore) ListRecent(_ context.Context, limit int) ([]domain.Insight, error) {
	s.lastLimit = limit
	return s.userList, nil
}

type stubNotifier struct {
	triggers []domain.InterventionTrigger
}

func (s *stubNotifier) NotifyTrigger(_ context.Context, trigger domain.InterventionTrigger) error {
	s.triggers = append(s.triggers, trigger)
	return nil
}
