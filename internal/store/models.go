package store

import (
	"time"

	"call-processing/internal/callstate"
)

// Call tracks one logical call and its ingestion/processing progress.
//
// Concurrency invariant: a call row is mutated only while its row lock is held
// (Tx.GetCallForUpdate). The row lock is the sole cross-request serialization
// mechanism; no in-process lock may be layered on top.
type Call struct {
	CallID string          `json:"call_id" db:"call_id"`
	State  callstate.State `json:"state" db:"state"`

	// LastSequence is the highest sequence number accepted so far.
	// Monotonic non-decreasing; -1 until the first packet lands.
	LastSequence int64 `json:"last_sequence" db:"last_sequence"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Packet is one audio-metadata chunk belonging to a call.
//
// Idempotence invariant: (call_id, sequence) is unique; the storage layer
// enforces it and a second insert surfaces ErrDuplicatePacket.
type Packet struct {
	ID       int64  `json:"id" db:"id"`
	CallID   string `json:"call_id" db:"call_id"`
	Sequence int64  `json:"sequence" db:"sequence"`

	// Data is opaque payload content; the core never interprets it.
	Data string `json:"data" db:"data"`

	// Timestamp is the caller-supplied wall clock in Unix seconds.
	Timestamp float64 `json:"timestamp" db:"timestamp"`

	// ReceivedAt is assigned by the server at ingestion time.
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// ResultStatus is the processing status of an AI result row.
type ResultStatus string

const (
	ResultStatusPending    ResultStatus = "pending"
	ResultStatusProcessing ResultStatus = "processing"
	ResultStatusCompleted  ResultStatus = "completed"
	ResultStatusFailed     ResultStatus = "failed"
)

// AIResult is the one-to-one transcription outcome for a call.
// Created when a worker first claims the call; mutated only by the worker.
type AIResult struct {
	CallID     string       `json:"call_id" db:"call_id"`
	Transcript string       `json:"transcript" db:"transcript"`
	Sentiment  string       `json:"sentiment" db:"sentiment"`
	Status     ResultStatus `json:"status" db:"status"`

	// RetryCount is the number of transcription attempts consumed so far,
	// including the current one. Never exceeds max retries + 1.
	RetryCount int `json:"retry_count" db:"retry_count"`

	LastRetryAt  *time.Time `json:"last_retry_at,omitempty" db:"last_retry_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
}

// CallUpdate is a partial update of a call row. Nil fields are left untouched.
// UpdatedAt is always written.
type CallUpdate struct {
	State        *callstate.State
	LastSequence *int64
	UpdatedAt    time.Time
}

// CallSnapshot is the read-only aggregate served by status queries.
type CallSnapshot struct {
	Call        Call      `json:"call"`
	PacketCount int       `json:"packet_count"`
	HasAIResult bool      `json:"has_ai_result"`
	AIResult    *AIResult `json:"ai_result,omitempty"`
}
