// Package checkpoint implements the Checkpoint Store:
// persistence of a suspended session's ReactState at an approval
// suspension point, and its retrieval/deletion on resume. Two
// implementations are required to be interchangeable behind the Store
// contract; this package ships four: an in-process map,
// an on-disk JSON-per-session file, a Postgres table, and a Redis hash.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError is returned by Load when no checkpoint exists for a
// session.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("checkpoint: no checkpoint for session %q", e.SessionID)
}

// ErrNotFound is the sentinel wrapped by NotFoundError, for errors.Is checks.
var ErrNotFound = errors.New("checkpoint not found")

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// State is the checkpointable slice of a session's ReactState: exactly
// the fields that must survive a process restart between suspension and
// resume. The engine's own in-memory ReactState carries additional
// transient fields (e.g. the live cancellation token) that never need to
// round-trip through a checkpoint.
type State struct {
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
	Mode      string `json:"mode"` // config.Mode, carried so a resumed turn re-applies the same mode cap

	History []HistoryEntry `json:"history"`

	Iteration     int  `json:"iteration"`
	MaxIterations int  `json:"max_iterations"`
	TaskCompleted bool `json:"task_completed"`

	PendingInstruction *PendingInstruction `json:"pending_instruction,omitempty"`
	PendingRisk        string              `json:"pending_risk,omitempty"`
	AwaitingApproval   bool                `json:"awaiting_approval"`
	ApprovalGranted    *bool               `json:"approval_granted,omitempty"`

	FinalMessage string `json:"final_message,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HistoryEntry is the durable form of one conversation entry.
// Data mirrors the originating WorkerResult.data so the Preprocessor's
// reference resolution ("this/that/上面那个") can still find a concrete
// identifier after a resume from a fresh process.
type HistoryEntry struct {
	Action       string `json:"action"`
	Message      string `json:"message"`
	RawOutput    string `json:"raw_output"`
	Truncated    bool   `json:"truncated"`
	WallClockUTC int64  `json:"wallclock_utc"`
	Data         any    `json:"data,omitempty"`
}

// PendingInstruction is the durable form of the Instruction awaiting
// human approval.
type PendingInstruction struct {
	Worker    string         `json:"worker"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
	RiskLevel string         `json:"risk_level"`
	DryRun    bool           `json:"dry_run"`
	Thinking  string         `json:"thinking,omitempty"`
}

// Store is the checkpoint persistence contract. Every implementation
// must serialize concurrent writes to the same session_id while leaving
// writes to distinct ids independent.
type Store interface {
	Save(ctx context.Context, sessionID string, state State) error
	Load(ctx context.Context, sessionID string) (State, error)
	Delete(ctx context.Context, sessionID string) error
}
