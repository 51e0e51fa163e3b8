package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pledgeproof/verifier-cli/internal/aggregate"
	"github.com/pledgeproof/verifier-cli/internal/cache"
	"github.com/pledgeproof/verifier-cli/internal/challenge"
	"github.com/pledgeproof/verifier-cli/internal/model"
)

const (
	defaultExerciseType   = "pushups"
	defaultRequiredAmount = 100
)

// newMux builds the API routes over the service environment.
func newMux(env *serviceEnv) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/verify-exercise", func(w http.ResponseWriter, r *http.Request) {
		handleVerifyExercise(w, r, env)
	})

	mux.HandleFunc("GET /api/queue/status", func(w http.ResponseWriter, r *http.Request) {
		handleQueueStatus(w, r, env)
	})

	mux.HandleFunc("POST /api/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		handleCacheClear(w, r, env)
	})

	mux.HandleFunc("GET /api/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		if cfg.IsProduction() {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"success": false,
				"error":   "cache clear is disabled in production",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   "cache clear available, POST to execute",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

type challengeWindowView struct {
	Seconds   float64   `json:"seconds"`
	EndsAt    time.Time `json:"endsAt"`
	Remaining float64   `json:"remaining"`
}

type verifyData struct {
	PredictionID    int64               `json:"predictionId"`
	Confidence      float64             `json:"confidence"`
	VerifiedAmount  uint64              `json:"verifiedAmount"`
	TotalRequired   uint64              `json:"totalRequired"`
	Message         string              `json:"message"`
	Proof           []model.Evidence    `json:"proof"`
	ChallengeWindow challengeWindowView `json:"challengeWindow"`
}

func handleVerifyExercise(w http.ResponseWriter, r *http.Request, env *serviceEnv) {
	q := r.URL.Query()

	predictionID, err := strconv.ParseInt(q.Get("predictionId"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "predictionId is required and must be an integer",
		})
		return
	}

	exerciseType := q.Get("exerciseType")
	if exerciseType == "" {
		exerciseType = defaultExerciseType
	}

	requiredAmount := uint64(defaultRequiredAmount)
	if raw := q.Get("requiredAmount"); raw != "" {
		requiredAmount, err = strconv.ParseUint(raw, 10, 64)
		if err != nil || requiredAmount == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "requiredAmount must be a positive integer",
			})
			return
		}
	}

	account := q.Get("account")
	if account == "" {
		account = fmt.Sprintf("prediction:%d", predictionID)
	}
	recipient := q.Get("recipient")
	if recipient == "" {
		recipient = account
	}

	result, win, err := resolveStatus(r.Context(), env, predictionID, account, recipient, exerciseType, requiredAmount)
	if err != nil {
		if eris.Is(err, aggregate.ErrNoVerifiers) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   fmt.Sprintf("no evidence sources registered for exercise type %q", exerciseType),
			})
			return
		}
		zap.L().Error("verification failed",
			zap.Int64("prediction_id", predictionID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "verification failed",
		})
		return
	}

	// The window duration has elapsed; settle the outcome lazily rather
	// than waiting for the periodic pass.
	if win.Remaining() == 0 && win.State() != model.WindowDisputed {
		if err := win.Finalize(r.Context(), env.Queue); err != nil {
			zap.L().Error("lazy finalize failed", zap.Int64("prediction_id", predictionID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": verifyData{
			PredictionID:   predictionID,
			Confidence:     result.Confidence,
			VerifiedAmount: result.VerifiedAmount,
			TotalRequired:  result.TotalRequired,
			Message:        result.Message,
			Proof:          result.Proof,
			ChallengeWindow: challengeWindowView{
				Seconds:   env.Windows.Duration().Seconds(),
				EndsAt:    win.EndsAt(),
				Remaining: win.Remaining().Seconds(),
			},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// resolveStatus runs the cache-then-aggregate path and ensures a challenge
// window exists for the prediction.
func resolveStatus(ctx context.Context, env *serviceEnv, predictionID int64, account, recipient, exerciseType string, requiredAmount uint64) (*model.AggregationResult, *challenge.Window, error) {
	key := cache.Key{Account: account, ExerciseType: exerciseType, RequiredAmount: requiredAmount}

	result := env.Cache.Get(key)
	if result == nil {
		fresh, err := env.Aggregator.Aggregate(ctx, account, exerciseType, requiredAmount)
		if err != nil {
			return nil, nil, err
		}
		env.Cache.Put(key, fresh)
		result = fresh
	}

	reaggregate := func(ctx context.Context) (*model.AggregationResult, error) {
		fresh, err := env.Aggregator.Aggregate(ctx, account, exerciseType, requiredAmount)
		if err != nil {
			return nil, err
		}
		env.Cache.Put(key, fresh)
		return fresh, nil
	}

	win := env.Windows.Ensure(predictionID, account, recipient, exerciseType, result, reaggregate)
	return win.Result(), win, nil
}

func handleQueueStatus(w http.ResponseWriter, r *http.Request, env *serviceEnv) {
	stats, err := env.Queue.Stats(r.Context())
	if err != nil {
		zap.L().Error("queue stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "internal",
			"message": "failed to read queue stats",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"queue":            stats,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"botConfiguration": cfg.Bot.Presence(),
	})
}

func handleCacheClear(w http.ResponseWriter, r *http.Request, env *serviceEnv) {
	if cfg.IsProduction() {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"success": false,
			"error":   "cache clear is disabled in production",
		})
		return
	}

	env.Cache.Clear()
	zap.L().Info("resolution cache cleared")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "resolution cache cleared",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
