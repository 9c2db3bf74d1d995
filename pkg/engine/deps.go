package engine

import (
	"context"

	"github.com/opsassist/opsai/internal/config"
	"github.com/opsassist/opsai/pkg/audit"
	"github.com/opsassist/opsai/pkg/changes"
	"github.com/opsassist/opsai/pkg/checkpoint"
	"github.com/opsassist/opsai/pkg/history"
	"github.com/opsassist/opsai/pkg/llmclient"
	"github.com/opsassist/opsai/pkg/masking"
	"github.com/opsassist/opsai/pkg/memory"
	"github.com/opsassist/opsai/pkg/policy"
	"github.com/opsassist/opsai/pkg/prompt"
	"github.com/opsassist/opsai/pkg/worker"
)

// LLM is the narrow consumer interface the engine needs from the LLM
// client, kept separate from a direct *llmclient.Client dependency
// so tests can substitute a scripted fake.
type LLM interface {
	Generate(ctx context.Context, input llmclient.GenerateInput) (llmclient.ToolCallResult, error)
}

// Prompt is the narrow consumer interface the engine needs from the
// prompt builder.
type Prompt interface {
	BuildSystemPrompt(reg *worker.Registry, toolCallMode bool) string
	BuildUserPrompt(history []prompt.HistoryItem, ports []string, memory []prompt.MemoryItem, userInput string) string
	BuildForcedConclusionPrompt(iteration int, toolCallMode bool) string
}

// Deps are the engine's constructed-once collaborators. A fresh
// safety.Pipeline (with a per-turn DryRunTracker) is built for every turn
// from Policy/Workers/Config, since the dry-run-first check is scoped to
// "this turn," not the engine's lifetime.
type Deps struct {
	Config  config.Config
	Workers *worker.Registry
	Policy  *policy.Engine

	LLM    LLM
	Prompt Prompt

	History     *history.Store
	Memory      memory.Store
	Checkpoints checkpoint.Store
	Changes     *changes.Tracker // nil disables change-tracking
	Audit       audit.Sink
	Masking     *masking.Service

	Clock Clock

	// ToolCallMode mirrors the worker registry's capability flag:
	// true selects native tool-call schemas over the
	// text+JSON contract.
	ToolCallMode bool
}
