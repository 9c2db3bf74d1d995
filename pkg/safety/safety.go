// Package safety implements the Safety Pipeline: the
// gate every validated instruction passes through before it may execute,
// combining the whitelist engine, the risk analyzer, the
// worker registry's own declared risk hints, and the configured mode caps.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opsassist/opsai/internal/config"
	"github.com/opsassist/opsai/pkg/policy"
	"github.com/opsassist/opsai/pkg/risk"
	"github.com/opsassist/opsai/pkg/worker"
)

// DecisionKind tags the Safety Pipeline's verdict.
type DecisionKind int

const (
	DecisionAllow DecisionKind = iota
	DecisionNeedsApproval
	DecisionReject
)

// Decision is the Safety Pipeline's output for one instruction.
type Decision struct {
	Kind   DecisionKind
	Risk   risk.Tier
	Reason string
}

// RejectError is returned (wrapped in a Decision of Kind DecisionReject)
// when the pipeline refuses an instruction outright — exceeding a mode
// cap, or failing the dry-run-first requirement.
type RejectError struct {
	Reason string
	Risk   risk.Tier
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected (risk=%s): %s", e.Risk, e.Reason)
}

// Instruction is the subset of validate.Instruction the pipeline needs.
// Kept separate (rather than importing pkg/validate) to avoid a
// dependency edge the Safety Pipeline doesn't need — it only ever sees
// instructions that already passed the Validator.
type Instruction struct {
	Worker       string
	Action       string
	Args         map[string]any
	SelfRisk     risk.Tier // the model's self-declared risk_level, Safe if unstated
	DryRun       bool
	ShellCommand string // populated only when Worker.Action is the shell-execution action
}

// DryRunTracker answers whether a dry run of the same (worker, action,
// args) has already been observed this turn.
// The engine owns the actual per-turn tracking; this package only
// consumes it, keeping the pipeline itself stateless and easy to test.
type DryRunTracker interface {
	Observed(worker, action, argsHash string) bool
}

// Pipeline is the staged safety gate between the validator and a
// worker's execute.
type Pipeline struct {
	policy  *policy.Engine
	reg     *worker.Registry
	cfg     config.Config
	dryRuns DryRunTracker
}

// NewPipeline builds a Pipeline. dryRuns may be nil, in which case the
// dry-run-first check always treats the instruction as not yet observed
// (conservative: the engine must supply a tracker to ever pass step 4).
func NewPipeline(policyEngine *policy.Engine, reg *worker.Registry, cfg config.Config, dryRuns DryRunTracker) *Pipeline {
	return &Pipeline{policy: policyEngine, reg: reg, cfg: cfg, dryRuns: dryRuns}
}

// shellWorkerAction identifies the one action whose risk is always
// determined by the command-risk analyzers rather than a static
// risk_hint.
const shellWorkerAction = "execute_command"

// Evaluate runs the full six-step pipeline for one validated instruction
// under the given invocation mode.
func (p *Pipeline) Evaluate(ctx context.Context, mode config.Mode, inst Instruction) (Decision, error) {
	baseRisk, baseReason, err := p.baseRisk(ctx, inst)
	if err != nil {
		return Decision{}, err
	}

	// A blocked verdict is terminal regardless of caps; surface the
	// analyzer's own trigger description so the user (and the audit log)
	// can see what fired.
	if baseRisk == risk.Blocked {
		return Decision{Kind: DecisionReject, Risk: baseRisk, Reason: "blocked: " + baseReason}, nil
	}

	// Step 2: merge with the instruction's self-declared risk_level by
	// taking the maximum.
	effective := baseRisk
	if inst.SelfRisk > effective {
		effective = inst.SelfRisk
	}

	// Step 3: mode caps.
	riskCap, err := p.modeCap(mode)
	if err != nil {
		return Decision{}, err
	}
	if effective > riskCap {
		return Decision{Kind: DecisionReject, Risk: effective, Reason: "exceeds cap: " + baseReason}, nil
	}

	// Step 4: high-risk dry-run-first.
	if effective == risk.High && p.cfg.RequireDryRunForHighRisk && !inst.DryRun {
		if !p.dryRunObserved(inst) {
			return Decision{Kind: DecisionReject, Risk: effective, Reason: "dry-run required first"}, nil
		}
	}

	// Step 5: needs_approval thresholds.
	if mode == config.ModeTUI {
		if effective >= risk.Medium {
			return Decision{Kind: DecisionNeedsApproval, Risk: effective, Reason: "risk at or above medium requires approval in TUI mode"}, nil
		}
	} else if p.cfg.AutoApproveOff && effective > risk.Safe {
		return Decision{Kind: DecisionNeedsApproval, Risk: effective, Reason: "auto-approve disabled"}, nil
	}

	// Step 6.
	return Decision{Kind: DecisionAllow, Risk: effective}, nil
}

func (p *Pipeline) baseRisk(ctx context.Context, inst Instruction) (risk.Tier, string, error) {
	if inst.Action == shellWorkerAction {
		tier, reason := p.shellCommandRisk(ctx, inst.ShellCommand)
		return tier, reason, nil
	}

	action, ok := p.reg.Action(inst.Worker, inst.Action)
	if !ok {
		return risk.Blocked, "", fmt.Errorf("safety: unknown worker/action %s.%s", inst.Worker, inst.Action)
	}
	if action.RiskHint == "" {
		return risk.Safe, "no declared risk hint", nil
	}
	tier, err := risk.ParseTier(action.RiskHint)
	return tier, "declared risk hint " + action.RiskHint, err
}

// shellCommandRisk runs the whitelist first and falls through to the
// risk analyzer on an unknown verdict: the whitelist is the fast path, the
// deterministic analyzer is the fallback. With the analyzer disabled
// (pure-whitelist operation), an unmatched command is blocked outright.
//
// A whitelist match never settles a command carrying a redirection
// operator on its own: the analyzer owns the system-path redirection rule
// ("echo foo > /etc/passwd" is blocked no matter what an echo rule says),
// so both verdicts are taken and the worse one wins.
func (p *Pipeline) shellCommandRisk(ctx context.Context, command string) (risk.Tier, string) {
	if p.policy != nil {
		decision, err := p.policy.Evaluate(ctx, command)
		if err == nil && decision.Allowed == policy.AllowedFalse {
			// A blacklist hit means "never execute", regardless of the
			// rule's nominal risk tier.
			return risk.Blocked, decision.Reason
		}
		if err == nil && decision.Allowed == policy.AllowedTrue {
			if strings.Contains(command, ">") {
				if v := risk.Analyze(command); v.Tier > decision.RiskLevel {
					return v.Tier, v.Reason
				}
			}
			return decision.RiskLevel, decision.Reason
		}
	}
	if !p.cfg.RiskAnalyzerEnabled {
		return risk.Blocked, "risk analyzer disabled and command not whitelisted"
	}
	v := risk.Analyze(command)
	return v.Tier, v.Reason
}

func (p *Pipeline) modeCap(mode config.Mode) (risk.Tier, error) {
	switch mode {
	case config.ModeCLI:
		return risk.ParseTier(p.cfg.CLIMaxRisk)
	case config.ModeTUI:
		return risk.ParseTier(p.cfg.TUIMaxRisk)
	default:
		return risk.Blocked, fmt.Errorf("safety: unknown mode %q", mode)
	}
}

func (p *Pipeline) dryRunObserved(inst Instruction) bool {
	if p.dryRuns == nil {
		return false
	}
	return p.dryRuns.Observed(inst.Worker, inst.Action, ArgsHash(inst.Args))
}

// ArgsHash produces a stable hash of an args map for the dry-run-first
// check's "same (worker, action, args-hash)" comparison. Keys are sorted before marshaling so map iteration order never
// affects the hash. Exported so callers implementing DryRunTracker (the
// engine's per-turn tracker) can mark the same key they'll later be asked
// about.
func ArgsHash(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, args[k])
	}

	b, err := json.Marshal(ordered)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
