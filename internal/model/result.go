package model

import (
	"time"
)

// Evidence is a single source's claim about an account's observed activity.
// It is immutable once produced by a verifier.
type Evidence struct {
	SourceID          string    `json:"source_id"`
	AmountObserved    uint64    `json:"amount_observed"`
	Weight            float64   `json:"weight"` // source trust weight in (0,1]
	TimestampObserved time.Time `json:"timestamp_observed"`
	ProofRef          string    `json:"proof_ref,omitempty"`
}

// Confidence bucket messages returned on AggregationResult.
const (
	MessageInsufficient      = "insufficient evidence"
	MessagePartiallyVerified = "partially verified"
	MessageFullyVerified     = "fully verified"
)

// MessageForConfidence maps a confidence score to its bucket message.
func MessageForConfidence(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return MessageFullyVerified
	case confidence >= 0.3:
		return MessagePartiallyVerified
	default:
		return MessageInsufficient
	}
}

// AggregationResult is the merged outcome of querying all evidence sources
// for a pledge. Confidence and VerifiedAmount derive solely from Proof;
// any change requires a full re-aggregation.
type AggregationResult struct {
	Confidence     float64    `json:"confidence"`      // [0,1]
	VerifiedAmount uint64     `json:"verified_amount"` // capped at TotalRequired
	TotalRequired  uint64     `json:"total_required"`
	Message        string     `json:"message"`
	Proof          []Evidence `json:"proof"` // ascending by TimestampObserved
	ComputedAt     time.Time  `json:"computed_at"`
}

// WindowState is the lifecycle state of a challenge window.
type WindowState string

const (
	WindowPending       WindowState = "pending"
	WindowChallengeable WindowState = "challengeable"
	WindowFinalized     WindowState = "finalized"
	WindowDisputed      WindowState = "disputed"
)

// Dispute records a challenge submitted against an aggregation result.
type Dispute struct {
	ID          string    `json:"id"`
	Evidence    Evidence  `json:"evidence"`
	Material    bool      `json:"material"` // true if it changed the verified amount
	SubmittedAt time.Time `json:"submitted_at"`
}

// ItemState is the delivery state of a notification queue item.
type ItemState string

const (
	ItemQueued    ItemState = "queued"
	ItemInFlight  ItemState = "in_flight"
	ItemDelivered ItemState = "delivered"
	ItemFailed    ItemState = "failed"
)

// OutcomePayload is the message content delivered to the bot transport when
// a challenge window finalizes.
type OutcomePayload struct {
	PredictionID   int64   `json:"prediction_id"`
	Recipient      string  `json:"recipient"`
	ExerciseType   string  `json:"exercise_type"`
	Confidence     float64 `json:"confidence"`
	VerifiedAmount uint64  `json:"verified_amount"`
	TotalRequired  uint64  `json:"total_required"`
	Message        string  `json:"message"`
}
