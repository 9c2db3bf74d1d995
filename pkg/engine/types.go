// Package engine implements the ReAct Engine: the main
// reason-act loop that ties together the Preprocessor, Prompt Builder, LLM
// Client, Instruction Validator, Safety Pipeline, Checkpoint Store, Change
// Tracker, and worker registry into one per-turn control loop.
package engine

import (
	"time"

	"github.com/opsassist/opsai/internal/config"
	"github.com/opsassist/opsai/pkg/checkpoint"
	"github.com/opsassist/opsai/pkg/llmclient"
)

// ReactState is the in-memory, checkpointable state for one turn. The durable subset is mirrored by checkpoint.State; see
// toCheckpoint/fromCheckpoint for the mapping.
type ReactState struct {
	SessionID string
	UserInput string
	Mode      config.Mode

	History []HistoryEntry

	Iteration     int
	MaxIterations int
	TaskCompleted bool

	PendingInstruction *Instruction
	PendingRisk        string
	AwaitingApproval   bool
	ApprovalGranted    *bool

	FinalMessage string
	Error        error
}

// HistoryEntry is one (instruction, result) observation for the state used
// while a turn is in flight (distinct from pkg/history.Entry, which is
// the long-lived per-session ring the Prompt Builder reads from).
type HistoryEntry struct {
	Action       string
	Message      string
	RawOutput    string
	Truncated    bool
	WallClockUTC int64
	Data         any
}

// Instruction is the engine's working copy of one proposed step.
type Instruction struct {
	Worker    string
	Action    string
	Args      map[string]any
	RiskLevel string
	DryRun    bool
	Thinking  string
}

// ResultKind tags LoopResult's variant.
type ResultKind int

const (
	ResultCompleted ResultKind = iota
	ResultPending
	ResultRejected
	ResultCancelled
)

// LoopResult is what one Run/Resume call returns to its caller (pkg/opsai
// maps this onto the embedder-facing RunResult/exit-code contract).
type LoopResult struct {
	Kind ResultKind

	FinalMessage string // valid when Kind == ResultCompleted

	PendingRisk        string       // valid when Kind == ResultPending
	PendingInstruction *Instruction // valid when Kind == ResultPending

	RejectReason string // valid when Kind == ResultRejected

	Err error // set for ResultRejected/ResultCancelled
}

func toCheckpointHistory(h []HistoryEntry) []checkpoint.HistoryEntry {
	out := make([]checkpoint.HistoryEntry, len(h))
	for i, e := range h {
		out[i] = checkpoint.HistoryEntry{
			Action: e.Action, Message: e.Message, RawOutput: e.RawOutput,
			Truncated: e.Truncated, WallClockUTC: e.WallClockUTC, Data: e.Data,
		}
	}
	return out
}

func fromCheckpointHistory(h []checkpoint.HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, len(h))
	for i, e := range h {
		out[i] = HistoryEntry{
			Action: e.Action, Message: e.Message, RawOutput: e.RawOutput,
			Truncated: e.Truncated, WallClockUTC: e.WallClockUTC, Data: e.Data,
		}
	}
	return out
}

func toCheckpointInstruction(i *Instruction) *checkpoint.PendingInstruction {
	if i == nil {
		return nil
	}
	return &checkpoint.PendingInstruction{
		Worker: i.Worker, Action: i.Action, Args: i.Args,
		RiskLevel: i.RiskLevel, DryRun: i.DryRun, Thinking: i.Thinking,
	}
}

func fromCheckpointInstruction(i *checkpoint.PendingInstruction) *Instruction {
	if i == nil {
		return nil
	}
	return &Instruction{
		Worker: i.Worker, Action: i.Action, Args: i.Args,
		RiskLevel: i.RiskLevel, DryRun: i.DryRun, Thinking: i.Thinking,
	}
}

func (s *ReactState) toCheckpoint() checkpoint.State {
	errStr := ""
	if s.Error != nil {
		errStr = s.Error.Error()
	}
	return checkpoint.State{
		SessionID:          s.SessionID,
		UserInput:          s.UserInput,
		Mode:               string(s.Mode),
		History:            toCheckpointHistory(s.History),
		Iteration:          s.Iteration,
		MaxIterations:      s.MaxIterations,
		TaskCompleted:      s.TaskCompleted,
		PendingInstruction: toCheckpointInstruction(s.PendingInstruction),
		PendingRisk:        s.PendingRisk,
		AwaitingApproval:   s.AwaitingApproval,
		ApprovalGranted:    s.ApprovalGranted,
		FinalMessage:       s.FinalMessage,
		Error:              errStr,
	}
}

func fromCheckpoint(cs checkpoint.State) *ReactState {
	return &ReactState{
		SessionID:          cs.SessionID,
		UserInput:          cs.UserInput,
		Mode:               config.Mode(cs.Mode),
		History:            fromCheckpointHistory(cs.History),
		Iteration:          cs.Iteration,
		MaxIterations:      cs.MaxIterations,
		TaskCompleted:      cs.TaskCompleted,
		PendingInstruction: fromCheckpointInstruction(cs.PendingInstruction),
		PendingRisk:        cs.PendingRisk,
		AwaitingApproval:   cs.AwaitingApproval,
		ApprovalGranted:    cs.ApprovalGranted,
		FinalMessage:       cs.FinalMessage,
	}
}

// Clock is the engine's single time seam, kept injectable for
// deterministic tests.
type Clock func() time.Time

// ToolCallResult is the narrow slice of llmclient.ToolCallResult the
// engine consumes, kept as a type alias so call sites read naturally.
type ToolCallResult = llmclient.ToolCallResult
