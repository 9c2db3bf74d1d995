// Package opsai is the embedder-facing root API: it wires every internal component (the Safety Pipeline,
// Checkpoint Store, Session Memory, Change Tracker, Audit sink, ...) into
// one Engine a CLI or TUI front end can construct once and call run/resume
// against, without importing any internal package directly.
package opsai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/opsassist/opsai/internal/config"
	"github.com/opsassist/opsai/internal/migrations"
	"github.com/opsassist/opsai/pkg/audit"
	"github.com/opsassist/opsai/pkg/changes"
	"github.com/opsassist/opsai/pkg/checkpoint"
	"github.com/opsassist/opsai/pkg/engine"
	"github.com/opsassist/opsai/pkg/history"
	"github.com/opsassist/opsai/pkg/llmclient"
	"github.com/opsassist/opsai/pkg/masking"
	"github.com/opsassist/opsai/pkg/memory"
	"github.com/opsassist/opsai/pkg/policy"
	"github.com/opsassist/opsai/pkg/prompt"
	"github.com/opsassist/opsai/pkg/worker"
)

// ResultKind tags RunResult's variant.
type ResultKind int

const (
	KindFinalMessage ResultKind = iota
	KindPending
	KindRejected
	KindCancelled
)

// RunResult is what run/resume return to the embedder.
type RunResult struct {
	Kind ResultKind

	FinalMessage string // valid when Kind == KindFinalMessage

	Risk    string              // valid when Kind == KindPending
	Preview *engine.Instruction // valid when Kind == KindPending

	RejectReason string // valid when Kind == KindRejected

	Err error // set for KindRejected/KindCancelled
}

// Exit codes are a stable contract for CLI embedders.
const (
	ExitSuccess             = 0
	ExitValidationOrReject  = 1
	ExitLLMTransportFailure = 2
	ExitCancelled           = 130
)

// ExitCode maps a RunResult (and an accompanying error from Run/Resume,
// if any) onto the stable exit-code contract. An error from
// Run/Resume is always LLM transport exhaustion or an internal
// collaborator failure (reject/cancel are carried in RunResult.Kind, not
// as an error), so any non-nil err maps to the transport-failure code.
func ExitCode(result RunResult, err error) int {
	if err != nil {
		return ExitLLMTransportFailure
	}
	switch result.Kind {
	case KindRejected:
		return ExitValidationOrReject
	case KindCancelled:
		return ExitCancelled
	default:
		return ExitSuccess
	}
}

// Health reports the Engine's ambient status: how many sessions
// this process is actively tracking cancellation for, and whether the
// checkpoint backend answers.
type Health struct {
	ActiveSessions    int
	CheckpointBackend string
	CheckpointOK      bool
}

// Engine is the embedder-facing handle: construct once via New, call Run/
// Resume per user turn, Close when the process shuts down.
type Engine struct {
	core   *engine.Engine
	cfg    config.Config
	deps   engine.Deps
	prompt *prompt.Builder

	mu             sync.Mutex
	activeSessions map[string]context.CancelFunc

	closers []func() error
}

// New constructs an Engine from a resolved Config and the caller's
// worker set, wiring every collaborator per cfg.CheckpointBackend and the
// other stack choices in cfg. llmClient is accepted as the narrow engine.LLM interface so
// callers (and tests) can substitute a fake transport.
func New(ctx context.Context, cfg config.Config, workers []worker.Worker, llmClient engine.LLM) (*Engine, error) {
	reg := worker.NewRegistry(workers...)

	rules, err := loadPolicyRules(cfg)
	if err != nil {
		return nil, fmt.Errorf("opsai: load policy rules: %w", err)
	}
	policyEngine, err := policy.NewEngine(ctx, rules)
	if err != nil {
		return nil, fmt.Errorf("opsai: build policy engine: %w", err)
	}

	if llmClient == nil {
		llmClient = llmclient.NewClient(cfg.LLM)
	}

	if cfg.CheckpointBackend == config.BackendPostgres {
		if err := migrations.Up(cfg.PostgresDSN); err != nil {
			return nil, fmt.Errorf("opsai: apply migrations: %w", err)
		}
	}

	e := &Engine{
		cfg:            cfg,
		prompt:         prompt.NewBuilder(prompt.DetectEnvironment()),
		activeSessions: make(map[string]context.CancelFunc),
	}

	backends, err := connectBackends(cfg)
	if err != nil {
		return nil, err
	}
	if backends.close != nil {
		e.closers = append(e.closers, backends.close)
	}

	checkpointStore, err := buildCheckpointStore(cfg, backends)
	if err != nil {
		return nil, err
	}
	memoryStore := buildMemoryStore(cfg, backends)

	auditSink, err := audit.NewFileSink(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("opsai: build audit sink: %w", err)
	}

	changesTracker, err := buildChangeTracker(cfg)
	if err != nil {
		return nil, err
	}

	deps := engine.Deps{
		Config:      cfg,
		Workers:     reg,
		Policy:      policyEngine,
		LLM:         llmClient,
		Prompt:      e.prompt,
		History:     history.NewStore(cfg.HistoryCapacity, history.Truncator{Head: cfg.HistoryTruncateHead, Tail: cfg.HistoryTruncateTail}),
		Memory:      memoryStore,
		Checkpoints: checkpointStore,
		Changes:     changesTracker,
		Audit:       auditSink,
		Masking:     masking.NewService(nil),
		Clock:       time.Now,
	}

	e.deps = deps
	e.core = engine.New(deps)
	return e, nil
}

func loadPolicyRules(cfg config.Config) ([]policy.Rule, error) {
	if cfg.PolicyRulesPath == "" {
		return policy.LoadDefaultRules()
	}
	return policy.LoadRulesFile(cfg.PolicyRulesPath)
}

// sharedBackends holds the one connection pool (or client) the Postgres
// and Redis backed stores share, so a postgres-backed engine opens a
// single pool for checkpoints and memory rather than one each.
type sharedBackends struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	close func() error
}

func connectBackends(cfg config.Config) (sharedBackends, error) {
	switch cfg.CheckpointBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return sharedBackends{}, fmt.Errorf("opsai: connect postgres: %w", err)
		}
		return sharedBackends{pool: pool, close: func() error { pool.Close(); return nil }}, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return sharedBackends{redis: client, close: client.Close}, nil
	default:
		return sharedBackends{}, nil
	}
}

func buildCheckpointStore(cfg config.Config, b sharedBackends) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case config.BackendMemory:
		return checkpoint.NewMemStore(), nil
	case config.BackendFile:
		store, err := checkpoint.NewFileStore(cfg.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("opsai: build file checkpoint store: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		return checkpoint.NewPgStore(b.pool), nil
	case config.BackendRedis:
		return checkpoint.NewRedisStore(b.redis), nil
	default:
		return nil, fmt.Errorf("opsai: unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

func buildMemoryStore(cfg config.Config, b sharedBackends) memory.Store {
	switch cfg.CheckpointBackend {
	case config.BackendPostgres:
		return memory.NewPostgresStore(b.pool, cfg.MemoryCapacity)
	case config.BackendRedis:
		return memory.NewRedisStore(b.redis, cfg.MemoryCapacity)
	default:
		return memory.NewInMemoryStore(cfg.MemoryCapacity, func() int64 { return time.Now().Unix() })
	}
}

func buildChangeTracker(cfg config.Config) (*changes.Tracker, error) {
	fs := changes.OSFileIO{}
	blobs, err := changes.NewFileBlobStore(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("opsai: build change blob store: %w", err)
	}
	index, err := changes.NewFileIndex(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("opsai: build change index: %w", err)
	}
	return changes.New(fs, blobs, index, newChangeID, time.Now), nil
}

// newChangeID mints a ChangeRecord.change_id.
func newChangeID() string {
	return "chg-" + uuid.New().String()
}

// NewSessionID mints a session identifier for callers that don't maintain
// their own session-naming scheme.
func NewSessionID() string {
	return uuid.New().String()
}

// Run starts a fresh turn.
func (e *Engine) Run(ctx context.Context, sessionID, userInput string, mode config.Mode) (RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.registerSession(sessionID, cancel)
	defer e.unregisterSession(sessionID)
	defer cancel()

	result, err := e.core.Run(ctx, sessionID, userInput, mode)
	return fromLoopResult(result), err
}

// Resume continues a session suspended awaiting approval.
func (e *Engine) Resume(ctx context.Context, sessionID string, approvalGranted bool) (RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.registerSession(sessionID, cancel)
	defer e.unregisterSession(sessionID)
	defer cancel()

	result, err := e.core.Resume(ctx, sessionID, approvalGranted)
	return fromLoopResult(result), err
}

// Cancel requests cancellation of a session actively running on this
// process. Returns false if no such
// session is currently in flight here.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.activeSessions[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// Health reports this process's engine status.
func (e *Engine) Health() Health {
	e.mu.Lock()
	active := len(e.activeSessions)
	e.mu.Unlock()

	ok := e.checkpointReachable()
	return Health{
		ActiveSessions:    active,
		CheckpointBackend: string(e.cfg.CheckpointBackend),
		CheckpointOK:      ok,
	}
}

func (e *Engine) checkpointReachable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := e.deps.Checkpoints.Load(ctx, "__opsai_health_probe__")
	return err == nil || errors.Is(err, checkpoint.ErrNotFound)
}

// Summarize asks the LLM for a one-paragraph plain-language recap of a
// completed turn's final analysis. Callers typically invoke this right
// after a Run/Resume call returns KindFinalMessage.
func (e *Engine) Summarize(ctx context.Context, finalAnalysis string) (string, error) {
	if !e.cfg.ExecutiveSummary {
		return "", nil
	}
	sys := e.prompt.BuildExecutiveSummarySystemPrompt()
	user := e.prompt.BuildExecutiveSummaryUserPrompt(finalAnalysis)

	result, err := e.deps.LLM.Generate(ctx, llmclient.GenerateInput{
		Messages: []llmclient.ConversationMessage{
			{Role: llmclient.RoleSystem, Content: sys},
			{Role: llmclient.RoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("opsai: summarize: %w", err)
	}
	if result.Kind == llmclient.KindParseError {
		return "", fmt.Errorf("opsai: summarize: %w", result.ParseErr)
	}
	return result.ChatMessage, nil
}

// Close releases every owned collaborator's resources (connection pools,
// open files). Workers are the caller's own; Engine does not own them.
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) registerSession(sessionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeSessions[sessionID] = cancel
}

func (e *Engine) unregisterSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.activeSessions, sessionID)
}

func fromLoopResult(r engine.LoopResult) RunResult {
	switch r.Kind {
	case engine.ResultCompleted:
		return RunResult{Kind: KindFinalMessage, FinalMessage: r.FinalMessage}
	case engine.ResultPending:
		return RunResult{Kind: KindPending, Risk: r.PendingRisk, Preview: r.PendingInstruction}
	case engine.ResultRejected:
		return RunResult{Kind: KindRejected, RejectReason: r.RejectReason, Err: r.Err}
	case engine.ResultCancelled:
		return RunResult{Kind: KindCancelled, Err: r.Err}
	default:
		return RunResult{}
	}
}
