package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/aggregate"
	"github.com/pledgeproof/verifier-cli/internal/cache"
	"github.com/pledgeproof/verifier-cli/internal/challenge"
	"github.com/pledgeproof/verifier-cli/internal/config"
	"github.com/pledgeproof/verifier-cli/internal/model"
	"github.com/pledgeproof/verifier-cli/internal/queue"
	"github.com/pledgeproof/verifier-cli/internal/verifier"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// cannedVerifier returns a fixed evidence record.
type cannedVerifier struct {
	name   string
	weight float64
	amount uint64
}

func (c *cannedVerifier) Name() string    { return c.name }
func (c *cannedVerifier) Weight() float64 { return c.weight }
func (c *cannedVerifier) Verify(context.Context, string, string) (*model.Evidence, error) {
	return &model.Evidence{
		SourceID:          c.name,
		AmountObserved:    c.amount,
		Weight:            c.weight,
		TimestampObserved: time.Now().UTC(),
	}, nil
}

func newTestEnv(t *testing.T) *serviceEnv {
	t.Helper()

	q, err := queue.NewSQLite(filepath.Join(t.TempDir(), "queue.db"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Migrate(context.Background()))
	t.Cleanup(func() { q.Close() })

	registry := verifier.NewRegistry()
	registry.Register("pushups", &cannedVerifier{name: "fitband", weight: 0.5, amount: 60})
	registry.Register("pushups", &cannedVerifier{name: "gymcam", weight: 1.0, amount: 40})

	return &serviceEnv{
		Queue:      q,
		Cache:      cache.New(5 * time.Minute),
		Registry:   registry,
		Aggregator: aggregate.New(registry, time.Second),
		Windows:    challenge.NewManager(time.Hour),
	}
}

func withTestConfig(t *testing.T, env string) {
	t.Helper()
	prev := cfg
	cfg = &config.Config{
		Env: env,
		Bot: config.BotConfig{APIKey: "sk-secret", WebhookURL: "https://bot.example.com/hook", Network: "base-sepolia"},
	}
	t.Cleanup(func() { cfg = prev })
}

func TestMux_Health(t *testing.T) {
	withTestConfig(t, "development")
	mux := newMux(newTestEnv(t))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ok"`)
}

func TestMux_VerifyExercise(t *testing.T) {
	withTestConfig(t, "development")
	mux := newMux(newTestEnv(t))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/api/verify-exercise?predictionId=7&account=alice&exerciseType=pushups&requiredAmount=100", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Success bool       `json:"success"`
		Data    verifyData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, int64(7), resp.Data.PredictionID)
	assert.InDelta(t, 0.7, resp.Data.Confidence, 1e-9)
	assert.Equal(t, uint64(100), resp.Data.VerifiedAmount)
	assert.Equal(t, model.MessagePartiallyVerified, resp.Data.Message)
	assert.Len(t, resp.Data.Proof, 2)
	assert.Equal(t, 3600.0, resp.Data.ChallengeWindow.Seconds)
	assert.Greater(t, resp.Data.ChallengeWindow.Remaining, 3500.0)
}

func TestMux_VerifyExercise_Defaults(t *testing.T) {
	withTestConfig(t, "development")
	env := newTestEnv(t)
	mux := newMux(env)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/verify-exercise?predictionId=8", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data verifyData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, uint64(100), resp.Data.TotalRequired, "required amount defaults to 100")
}

func TestMux_VerifyExercise_MissingPredictionID(t *testing.T) {
	withTestConfig(t, "development")
	mux := newMux(newTestEnv(t))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/verify-exercise", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "predictionId")
}

func TestMux_VerifyExercise_BadRequiredAmount(t *testing.T) {
	withTestConfig(t, "development")
	mux := newMux(newTestEnv(t))

	for _, raw := range []string{"0", "-5", "abc"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
			"/api/verify-exercise?predictionId=1&requiredAmount="+raw, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, "requiredAmount=%s", raw)
	}
}

func TestMux_VerifyExercise_UnknownExerciseType(t *testing.T) {
	withTestConfig(t, "development")
	mux := newMux(newTestEnv(t))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/api/verify-exercise?predictionId=1&exerciseType=juggling", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "juggling")
}

func TestMux_VerifyExercise_CachedResultReused(t *testing.T) {
	withTestConfig(t, "development")
	env := newTestEnv(t)
	mux := newMux(env)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
			"/api/verify-exercise?predictionId=9&account=alice", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Equal(t, 1, env.Cache.Len(), "repeat queries hit the cache entry")
}

func TestMux_QueueStatus(t *testing.T) {
	withTestConfig(t, "development")
	env := newTestEnv(t)
	_, err := env.Queue.Enqueue(context.Background(), "outcome:1", model.OutcomePayload{PredictionID: 1})
	require.NoError(t, err)

	mux := newMux(env)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/queue/status", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Status           string             `json:"status"`
		Queue            queue.Stats        `json:"queue"`
		BotConfiguration config.BotPresence `json:"botConfiguration"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Queue.Queued)
	assert.True(t, resp.BotConfiguration.APIKeyConfigured)
	assert.True(t, resp.BotConfiguration.WebhookConfigured)

	// Secret values must never appear in the response body.
	assert.NotContains(t, rr.Body.String(), "sk-secret")
	assert.NotContains(t, rr.Body.String(), "bot.example.com")
}

func TestMux_QueueStatus_BackendFailure(t *testing.T) {
	withTestConfig(t, "development")
	env := newTestEnv(t)
	require.NoError(t, env.Queue.Close())

	mux := newMux(env)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/queue/status", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "internal", resp.Error)
	assert.NotEmpty(t, resp.Message)
}

func TestMux_CacheClear(t *testing.T) {
	withTestConfig(t, "development")
	env := newTestEnv(t)
	env.Cache.Put(cache.Key{Account: "alice", ExerciseType: "pushups", RequiredAmount: 100},
		&model.AggregationResult{Confidence: 0.7})

	mux := newMux(env)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, env.Cache.Len())
}

func TestMux_CacheClearForbiddenInProduction(t *testing.T) {
	withTestConfig(t, "production")
	env := newTestEnv(t)
	env.Cache.Put(cache.Key{Account: "alice", ExerciseType: "pushups", RequiredAmount: 100},
		&model.AggregationResult{Confidence: 0.7})

	mux := newMux(env)
	for _, method := range []string{http.MethodPost, http.MethodGet} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(method, "/api/cache/clear", nil))
		assert.Equal(t, http.StatusForbidden, rr.Code, method)
	}
	assert.Equal(t, 1, env.Cache.Len(), "cache untouched in production")
}

func TestMux_MethodNotAllowed(t *testing.T) {
	withTestConfig(t, "development")
	mux := newMux(newTestEnv(t))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/verify-exercise", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
