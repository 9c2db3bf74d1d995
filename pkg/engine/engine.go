package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opsassist/opsai/internal/config"
	"github.com/opsassist/opsai/pkg/audit"
	"github.com/opsassist/opsai/pkg/changes"
	"github.com/opsassist/opsai/pkg/checkpoint"
	"github.com/opsassist/opsai/pkg/errhelper"
	"github.com/opsassist/opsai/pkg/llmclient"
	"github.com/opsassist/opsai/pkg/masking"
	"github.com/opsassist/opsai/pkg/preprocess"
	"github.com/opsassist/opsai/pkg/prompt"
	"github.com/opsassist/opsai/pkg/risk"
	"github.com/opsassist/opsai/pkg/safety"
	"github.com/opsassist/opsai/pkg/validate"
	"github.com/opsassist/opsai/pkg/worker"
)

// maxConsecutiveTimeouts: after this many back-to-back LLM-call timeouts within one
// turn, the loop aborts rather than burning the rest of the iteration
// budget on a transport that keeps failing the same way.
const maxConsecutiveTimeouts = 2

// defaultTurnTimeout caps the wall clock of a single turn.
const defaultTurnTimeout = 120 * time.Second

// defaultLLMCallTimeout caps each individual LLM call when
// Config.IterationTimeout is unset, applied on top of (and nested
// inside) the turn-wide deadline.
const defaultLLMCallTimeout = 30 * time.Second

// CancelledError wraps a context cancellation/deadline observed at a
// suspension point.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string { return fmt.Sprintf("engine: cancelled: %v", e.Cause) }
func (e *CancelledError) Unwrap() error { return e.Cause }

// Engine runs the ReAct loop. One Engine instance is shared by every
// concurrent session; per-session state lives only in the turn's
// ReactState and the durable stores it's handed (checkpoint store,
// history store, memory store, audit sink) — the Engine itself holds no
// per-session map.
type Engine struct {
	deps Deps
}

// New builds an Engine from its dependencies. There is no separate Close();
// every owned collaborator (pools, files) is constructed and closed by
// the caller of New.
func New(deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{deps: deps}
}

// Run starts a fresh turn for sessionID. A session suspended awaiting
// approval stays pending until Resume delivers a verdict; a new Run call
// reports the suspension instead of starting over it.
func (e *Engine) Run(ctx context.Context, sessionID, userInput string, mode config.Mode) (LoopResult, error) {
	if cs, err := e.deps.Checkpoints.Load(ctx, sessionID); err == nil && cs.AwaitingApproval {
		return LoopResult{
			Kind:               ResultPending,
			PendingRisk:        cs.PendingRisk,
			PendingInstruction: fromCheckpointInstruction(cs.PendingInstruction),
		}, nil
	}

	state := &ReactState{
		SessionID:     sessionID,
		UserInput:     userInput,
		Mode:          mode,
		MaxIterations: e.deps.Config.MaxIterations,
	}
	return e.runTurn(ctx, state)
}

// Resume continues a session suspended awaiting approval. The checkpoint is always deleted before this
// returns, whether the turn terminates or re-suspends at a later
// instruction.
func (e *Engine) Resume(ctx context.Context, sessionID string, approvalGranted bool) (LoopResult, error) {
	cs, err := e.deps.Checkpoints.Load(ctx, sessionID)
	if err != nil {
		var nf *checkpoint.NotFoundError
		if errors.As(err, &nf) {
			return LoopResult{}, fmt.Errorf("engine: no suspended session %q to resume", sessionID)
		}
		return LoopResult{}, fmt.Errorf("engine: load checkpoint: %w", err)
	}

	state := fromCheckpoint(cs)

	if err := e.deps.Checkpoints.Delete(ctx, sessionID); err != nil {
		slog.Error("engine: failed to delete checkpoint on resume", "session_id", sessionID, "error", err)
	}

	if !approvalGranted {
		deniedRisk, _ := risk.ParseTier(state.PendingRisk)
		e.recordAudit(state, instructionFromState(state),
			safety.Decision{Kind: safety.DecisionReject, Risk: deniedRisk, Reason: "rejected by user"},
			worker.Result{Message: "operation cancelled by user"})
		return LoopResult{Kind: ResultCompleted, FinalMessage: "operation cancelled"}, nil
	}

	inst := *state.PendingInstruction
	decision := safety.Decision{Kind: safety.DecisionAllow}
	if state.PendingRisk != "" {
		if tier, err := risk.ParseTier(state.PendingRisk); err == nil {
			decision.Risk = tier
		}
	}

	res, err := e.execute(ctx, state, inst, decision)
	if err != nil {
		return LoopResult{}, fmt.Errorf("engine: approved execute: %w", err)
	}
	e.appendHistory(state, inst, res)
	e.recordAudit(state, inst, decision, res)

	state.AwaitingApproval = false
	state.PendingInstruction = nil
	state.PendingRisk = ""

	if res.TaskCompleted {
		state.TaskCompleted = true
		state.FinalMessage = res.Message
		return LoopResult{Kind: ResultCompleted, FinalMessage: state.FinalMessage}, nil
	}

	return e.runTurn(ctx, state)
}

func instructionFromState(state *ReactState) Instruction {
	if state.PendingInstruction == nil {
		return Instruction{}
	}
	return *state.PendingInstruction
}

// runTurn is the per-turn reason-act loop body.
func (e *Engine) runTurn(ctx context.Context, state *ReactState) (LoopResult, error) {
	turnTimeout := e.deps.Config.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	reg := e.deps.Workers
	tracker := newTurnDryRunTracker()
	pipeline := safety.NewPipeline(e.deps.Policy, reg, e.deps.Config, tracker)

	consecutiveTimeouts := 0

	for state.Iteration < state.MaxIterations {
		if turnCtx.Err() != nil {
			return e.cancelled(state, turnCtx.Err())
		}

		state.Iteration++

		pp := preprocess.Run(state.UserInput, toPreprocessHistory(state.History))

		sysPrompt := e.deps.Prompt.BuildSystemPrompt(reg, e.deps.ToolCallMode)
		var userPrompt string
		if state.Iteration == state.MaxIterations {
			// The final allowed iteration asks the model to wrap up
			// instead of proposing one more action.
			userPrompt = e.deps.Prompt.BuildForcedConclusionPrompt(state.Iteration, e.deps.ToolCallMode)
		} else {
			userPrompt = e.buildUserPrompt(ctx, state, pp)
		}

		tc, err := e.generate(turnCtx, state.SessionID, sysPrompt, userPrompt)
		if err != nil {
			var te *llmclient.TransportError
			if errors.As(err, &te) && errors.Is(te, context.DeadlineExceeded) {
				consecutiveTimeouts++
				slog.Warn("engine: llm call timed out", "session_id", state.SessionID, "consecutive", consecutiveTimeouts)
				if consecutiveTimeouts >= maxConsecutiveTimeouts {
					return e.cancelled(state, err)
				}
				continue
			}
			return LoopResult{}, fmt.Errorf("engine: llm transport exhausted: %w", err)
		}
		consecutiveTimeouts = 0

		if tc.Kind == llmclient.KindParseError {
			msg := "could not parse your last response"
			if tc.ParseErr != nil {
				if hint := errhelper.Suggest(tc.ParseErr.Error()); hint != "" {
					msg += ": " + hint
				}
			}
			state.History = append(state.History, HistoryEntry{
				Message:      msg,
				WallClockUTC: e.now(),
			})
			continue
		}

		if tc.IsFinal() {
			state.TaskCompleted = true
			state.FinalMessage = tc.ChatMessage
			break
		}

		inst := toInstruction(tc)

		if verr := validate.Validate(reg, validate.Instruction{
			Worker: inst.Worker, Action: inst.Action, Args: inst.Args,
			RiskLevel: inst.RiskLevel, DryRun: inst.DryRun,
		}); verr != nil {
			state.History = append(state.History, HistoryEntry{
				Action:       inst.Worker + "." + inst.Action,
				Message:      "instruction invalid: " + verr.Error(),
				WallClockUTC: e.now(),
			})
			continue
		}

		decision, err := e.evaluateSafety(turnCtx, pipeline, state.Mode, inst)
		if err != nil {
			return LoopResult{}, fmt.Errorf("engine: safety evaluation: %w", err)
		}

		if inst.DryRun {
			tracker.mark(inst.Worker, inst.Action, safety.ArgsHash(inst.Args))
		}

		switch decision.Kind {
		case safety.DecisionReject:
			// Safety reject is fatal to the turn, unlike a failing
			// WorkerResult or a validation error, which are recoverable
			// observations the reasoner can react to.
			rejectErr := &safety.RejectError{Reason: decision.Reason, Risk: decision.Risk}
			state.Error = rejectErr
			if err := e.deps.Checkpoints.Delete(ctx, state.SessionID); err != nil {
				slog.Error("engine: failed to delete checkpoint on reject", "session_id", state.SessionID, "error", err)
			}
			return LoopResult{Kind: ResultRejected, RejectReason: decision.Reason, Err: rejectErr}, nil

		case safety.DecisionNeedsApproval:
			state.PendingInstruction = &inst
			state.PendingRisk = decision.Risk.String()
			state.AwaitingApproval = true
			if err := e.deps.Checkpoints.Save(ctx, state.SessionID, state.toCheckpoint()); err != nil {
				return LoopResult{}, fmt.Errorf("engine: save checkpoint: %w", err)
			}
			return LoopResult{Kind: ResultPending, PendingRisk: decision.Risk.String(), PendingInstruction: &inst}, nil
		}

		if turnCtx.Err() != nil {
			return e.cancelled(state, turnCtx.Err())
		}

		res, execErr := e.execute(turnCtx, state, inst, decision)
		if execErr != nil {
			return LoopResult{}, fmt.Errorf("engine: worker execute: %w", execErr)
		}

		e.appendHistory(state, inst, res)
		e.recordAudit(state, inst, decision, res)

		if res.TaskCompleted {
			state.TaskCompleted = true
			state.FinalMessage = res.Message
			break
		}
	}

	if !state.TaskCompleted {
		// Hitting the cap is not an error: surface the last observation
		// with an incompleteness note rather than discarding it.
		state.FinalMessage = "Task incomplete: reached the iteration limit."
		if n := len(state.History); n > 0 && state.History[n-1].Message != "" {
			state.FinalMessage = state.History[n-1].Message + " (task incomplete: reached the iteration limit)"
		}
	}

	return LoopResult{Kind: ResultCompleted, FinalMessage: state.FinalMessage}, nil
}

func toInstruction(tc llmclient.ToolCallResult) Instruction {
	return Instruction{
		Worker:    tc.Worker,
		Action:    tc.Action,
		Args:      tc.Args,
		RiskLevel: tc.RiskLevel,
		DryRun:    tc.DryRun,
		Thinking:  tc.Thinking,
	}
}

// generate issues one LLM call bounded by llmCallTimeout, nested inside
// the turn's own deadline.
func (e *Engine) generate(ctx context.Context, sessionID, sysPrompt, userPrompt string) (llmclient.ToolCallResult, error) {
	callTimeout := e.deps.Config.IterationTimeout
	if callTimeout <= 0 {
		callTimeout = defaultLLMCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	input := llmclient.GenerateInput{
		SessionID: sessionID,
		Messages: []llmclient.ConversationMessage{
			{Role: llmclient.RoleSystem, Content: sysPrompt},
			{Role: llmclient.RoleUser, Content: userPrompt},
		},
		SupportsToolCall: e.deps.ToolCallMode,
	}
	if e.deps.ToolCallMode {
		input.Tools = buildToolDefinitions(e.deps.Workers)
	}

	return e.deps.LLM.Generate(callCtx, input)
}

// buildUserPrompt assembles the Prompt Builder's three inputs: recent
// conversation history, ports extracted by the Preprocessor, and session
// memory recalled for the resolved user text.
func (e *Engine) buildUserPrompt(ctx context.Context, state *ReactState, pp preprocess.Result) string {
	items := make([]prompt.HistoryItem, 0, len(state.History))
	for _, h := range state.History {
		items = append(items, prompt.HistoryItem{
			Action: h.Action, Message: h.Message, RawOutput: h.RawOutput, Truncated: h.Truncated,
		})
	}

	var mem []prompt.MemoryItem
	if e.deps.Memory != nil {
		if recalled, err := e.deps.Memory.Recall(ctx, state.SessionID, pp.ResolvedText, memoryRecallTopK); err == nil {
			for _, m := range recalled {
				mem = append(mem, prompt.MemoryItem{Key: m.Key, Value: m.Value})
			}
		} else {
			slog.Warn("engine: memory recall failed", "session_id", state.SessionID, "error", err)
		}
	}

	return e.deps.Prompt.BuildUserPrompt(items, pp.Entities.Ports, mem, pp.ResolvedText)
}

// memoryRecallTopK is the fixed width of the memory slice handed to the
// Prompt Builder each turn.
const memoryRecallTopK = 5

func toPreprocessHistory(h []HistoryEntry) []preprocess.HistoryEntry {
	out := make([]preprocess.HistoryEntry, len(h))
	for i, e := range h {
		out[i] = preprocess.HistoryEntry{Data: e.Data}
	}
	return out
}

func (e *Engine) evaluateSafety(ctx context.Context, pipeline *safety.Pipeline, mode config.Mode, inst Instruction) (safety.Decision, error) {
	selfRisk := risk.Safe
	if inst.RiskLevel != "" {
		if t, err := risk.ParseTier(inst.RiskLevel); err == nil {
			selfRisk = t
		}
	}

	sinst := safety.Instruction{
		Worker: inst.Worker, Action: inst.Action, Args: inst.Args,
		SelfRisk: selfRisk, DryRun: inst.DryRun,
	}
	if cmd, ok := inst.Args["command"].(string); ok {
		sinst.ShellCommand = cmd
	}

	return pipeline.Evaluate(ctx, mode, sinst)
}

// execute snapshots the mutation target (best-effort change tracking)
// before invoking the worker, then masks the raw output before it is
// ever placed in history, a prompt, or the audit log.
func (e *Engine) execute(ctx context.Context, state *ReactState, inst Instruction, decision safety.Decision) (worker.Result, error) {
	w, ok := e.deps.Workers.Get(inst.Worker)
	if !ok {
		return worker.Result{}, fmt.Errorf("engine: worker %q vanished from registry between validation and execution", inst.Worker)
	}

	if e.deps.Changes != nil && !inst.DryRun {
		if targetPath, ok := inst.Args["path"].(string); ok && targetPath != "" {
			if _, err := e.deps.Changes.Snapshot(ctx, state.SessionID, changesKindForAction(inst.Action), targetPath); err != nil {
				slog.Warn("engine: change snapshot failed, proceeding without rollback coverage", "session_id", state.SessionID, "path", targetPath, "error", err)
			}
		} else if cmd, ok := inst.Args["command"].(string); ok && cmd != "" {
			if _, err := e.deps.Changes.RecordCommand(ctx, state.SessionID, cmd); err != nil {
				slog.Warn("engine: change record failed", "session_id", state.SessionID, "error", err)
			}
		}
	}

	res, err := w.Execute(ctx, inst.Action, inst.Args, inst.DryRun)
	if err != nil {
		return worker.Result{}, err
	}

	if e.deps.Masking != nil {
		res.RawOutput = e.deps.Masking.MaskToolOutput(res.RawOutput)
		res.Message = e.deps.Masking.MaskToolOutput(res.Message)
		if data, ok := res.Data.(map[string]any); ok {
			res.Data = masking.MaskFields(data)
		}
	}

	return res, nil
}

// changesKindForAction maps a worker action name to the Change Tracker's
// Kind taxonomy. Workers name their mutating actions
// after the verb they perform (write_file, delete_file, append_file,
// replace_file, ...); anything else that still declares a "path" arg is
// treated as an overwrite for snapshot purposes.
func changesKindForAction(action string) changes.Kind {
	switch {
	case strings.Contains(action, "delete") || strings.Contains(action, "remove"):
		return changes.KindFileDelete
	case strings.Contains(action, "append"):
		return changes.KindFileAppend
	case strings.Contains(action, "replace") || strings.Contains(action, "update") || strings.Contains(action, "patch"):
		return changes.KindFileReplace
	default:
		return changes.KindFileWrite
	}
}

func (e *Engine) appendHistory(state *ReactState, inst Instruction, res worker.Result) {
	action := inst.Worker + "." + inst.Action
	wallClock := e.now()

	stored := e.deps.History.For(state.SessionID).Append(action, res.Message, res.RawOutput, wallClock)

	state.History = append(state.History, HistoryEntry{
		Action:       stored.Action,
		Message:      stored.Message,
		RawOutput:    stored.RawOutput,
		Truncated:    stored.Truncated,
		WallClockUTC: stored.WallClockUTC,
		Data:         res.Data,
	})
}

func (e *Engine) recordAudit(state *ReactState, inst Instruction, decision safety.Decision, res worker.Result) {
	if e.deps.Audit == nil {
		return
	}
	exitCode := 0
	if !res.Success && !inst.DryRun {
		exitCode = 1
	}
	entry := audit.Entry{
		Timestamp: e.deps.Clock(),
		UserInput: state.UserInput,
		Worker:    inst.Worker,
		Action:    inst.Action,
		Risk:      decision.Risk.String(),
		Confirmed: decision.Kind != safety.DecisionReject,
		ExitCode:  exitCode,
		Output:    res.Message,
		DryRun:    inst.DryRun,
	}
	if err := e.deps.Audit.Record(entry); err != nil {
		slog.Error("engine: audit record failed", "session_id", state.SessionID, "error", err)
	}
}

func (e *Engine) cancelled(state *ReactState, cause error) (LoopResult, error) {
	cerr := &CancelledError{Cause: cause}
	state.Error = cerr
	state.AwaitingApproval = false
	if err := e.deps.Checkpoints.Delete(context.Background(), state.SessionID); err != nil {
		slog.Error("engine: failed to delete checkpoint on cancellation", "session_id", state.SessionID, "error", err)
	}
	slog.Error("engine: turn cancelled", "session_id", state.SessionID, "cause", cause)
	return LoopResult{Kind: ResultCancelled, Err: cerr}, nil
}

func (e *Engine) now() int64 { return e.deps.Clock().Unix() }

// turnDryRunTracker is the engine's per-turn safety.DryRunTracker.
// A fresh instance backs every call
// to runTurn, so the requirement never leaks across turns.
type turnDryRunTracker struct {
	mu  sync.Mutex
	dry map[string]struct{}
}

func newTurnDryRunTracker() *turnDryRunTracker {
	return &turnDryRunTracker{dry: make(map[string]struct{})}
}

func (t *turnDryRunTracker) mark(worker, action, argsHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dry[dryRunKey(worker, action, argsHash)] = struct{}{}
}

func (t *turnDryRunTracker) Observed(worker, action, argsHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.dry[dryRunKey(worker, action, argsHash)]
	return ok
}

func dryRunKey(worker, action, argsHash string) string {
	return worker + "\x00" + action + "\x00" + argsHash
}

// buildToolDefinitions projects the worker registry's action catalog into
// the LLM Client's tool-call schema, for sessions running in tool-call
// mode.
func buildToolDefinitions(reg *worker.Registry) []llmclient.ToolDefinition {
	var defs []llmclient.ToolDefinition
	for _, d := range reg.Descriptors() {
		for _, a := range d.Actions {
			defs = append(defs, llmclient.ToolDefinition{
				Name:             d.Name + "." + a.Name,
				Description:      fmt.Sprintf("%s: %s", d.Description, a.Name),
				ParametersSchema: paramsToJSONSchema(a.Params),
			})
		}
	}
	return defs
}

func paramsToJSONSchema(params []worker.ParamDescriptor) string {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		properties[p.Name] = map[string]any{
			"type":        jsonSchemaType(p.Type),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func jsonSchemaType(t worker.ParamType) string {
	switch t {
	case worker.ParamString:
		return "string"
	case worker.ParamInt:
		return "integer"
	case worker.ParamBool:
		return "boolean"
	case worker.ParamArray:
		return "array"
	case worker.ParamObject:
		return "object"
	default:
		return "string"
	}
}
