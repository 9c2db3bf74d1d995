package opsai_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsassist/opsai/internal/config"
	"github.com/opsassist/opsai/pkg/llmclient"
	"github.com/opsassist/opsai/pkg/opsai"
	"github.com/opsassist/opsai/pkg/worker"
)

// scriptedLLM returns queued results in order, one per Generate call, and
// "done" for every call past the end of the script.
type scriptedLLM struct {
	results []llmclient.ToolCallResult
	calls   int
}

func (s *scriptedLLM) Generate(ctx context.Context, input llmclient.GenerateInput) (llmclient.ToolCallResult, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		return llmclient.ToolCallResult{Kind: llmclient.KindFinal, ChatMessage: "done"}, nil
	}
	return s.results[i], nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := *config.Defaults()
	cfg.BaseDir = t.TempDir()
	cfg.CheckpointBackend = config.BackendMemory
	cfg.MaxIterations = 4
	return cfg
}

func containerWorker() *worker.Stub {
	return &worker.Stub{
		WorkerName: "container",
		Acts: []worker.ActionDescriptor{
			{Name: "restart", RiskHint: "medium", SupportsDryRun: true},
			{Name: "list", RiskHint: "safe"},
		},
		ExecuteFn: func(ctx context.Context, action string, args map[string]any, dryRun bool) (worker.Result, error) {
			return worker.Result{Success: true, Message: "restarted", TaskCompleted: true}, nil
		},
	}
}

func TestNew_BuildsEngineWithMemoryBackend(t *testing.T) {
	cfg := testConfig(t)
	llm := &scriptedLLM{}

	eng, err := opsai.New(context.Background(), cfg, []worker.Worker{containerWorker()}, llm)
	require.NoError(t, err)
	require.NotNil(t, eng)
	defer eng.Close()
}

func TestRun_DelegatesAndReturnsFinalMessage(t *testing.T) {
	cfg := testConfig(t)
	llm := &scriptedLLM{results: []llmclient.ToolCallResult{
		{Kind: llmclient.KindFinal, ChatMessage: "all good"},
	}}

	eng, err := opsai.New(context.Background(), cfg, []worker.Worker{containerWorker()}, llm)
	require.NoError(t, err)
	defer eng.Close()

	result, err := eng.Run(context.Background(), "s1", "how's it going", config.ModeCLI)
	require.NoError(t, err)
	assert.Equal(t, opsai.KindFinalMessage, result.Kind)
	assert.Equal(t, "all good", result.FinalMessage)
	assert.Equal(t, opsai.ExitSuccess, opsai.ExitCode(result, err))
}

func TestRun_MediumRiskInTUIModeReturnsPending(t *testing.T) {
	cfg := testConfig(t)
	llm := &scriptedLLM{results: []llmclient.ToolCallResult{
		{Kind: llmclient.KindInstruction, Worker: "container", Action: "restart", Args: map[string]any{}},
	}}

	eng, err := opsai.New(context.Background(), cfg, []worker.Worker{containerWorker()}, llm)
	require.NoError(t, err)
	defer eng.Close()

	result, err := eng.Run(context.Background(), "s2", "restart it", config.ModeTUI)
	require.NoError(t, err)
	require.Equal(t, opsai.KindPending, result.Kind)
	assert.Equal(t, "medium", result.Risk)
	require.NotNil(t, result.Preview)
	assert.Equal(t, opsai.ExitSuccess, opsai.ExitCode(result, err))

	resumed, err := eng.Resume(context.Background(), "s2", true)
	require.NoError(t, err)
	assert.Equal(t, opsai.KindFinalMessage, resumed.Kind)
	assert.Equal(t, "restarted", resumed.FinalMessage)
}

func TestRun_RejectedMapsToValidationExitCode(t *testing.T) {
	cfg := testConfig(t)
	llm := &scriptedLLM{results: []llmclient.ToolCallResult{
		{Kind: llmclient.KindInstruction, Worker: "shell", Action: "execute_command", Args: map[string]any{"command": "rm -rf /"}},
	}}
	shellWorker := &worker.Stub{
		WorkerName: "shell",
		Acts:       []worker.ActionDescriptor{{Name: "execute_command", SupportsDryRun: true}},
	}

	eng, err := opsai.New(context.Background(), cfg, []worker.Worker{shellWorker}, llm)
	require.NoError(t, err)
	defer eng.Close()

	result, err := eng.Run(context.Background(), "s3", "delete everything", config.ModeCLI)
	require.NoError(t, err)
	assert.Equal(t, opsai.KindRejected, result.Kind)
	assert.NotEmpty(t, result.RejectReason)
	assert.Equal(t, opsai.ExitValidationOrReject, opsai.ExitCode(result, err))
}

func TestHealthAndCancel(t *testing.T) {
	cfg := testConfig(t)
	llm := &scriptedLLM{} // Generate blocks on nothing; result arrives instantly so Cancel races with completion

	eng, err := opsai.New(context.Background(), cfg, []worker.Worker{containerWorker()}, llm)
	require.NoError(t, err)
	defer eng.Close()

	health := eng.Health()
	assert.Equal(t, 0, health.ActiveSessions)
	assert.Equal(t, "memory", health.CheckpointBackend)
	assert.True(t, health.CheckpointOK)

	assert.False(t, eng.Cancel("no-such-session"))
}

func TestSummarize_OffByDefault(t *testing.T) {
	cfg := testConfig(t)
	llm := &scriptedLLM{}

	eng, err := opsai.New(context.Background(), cfg, []worker.Worker{containerWorker()}, llm)
	require.NoError(t, err)
	defer eng.Close()

	summary, err := eng.Summarize(context.Background(), "the service was restarted")
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestSummarize_CallsLLMWhenEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExecutiveSummary = true
	llm := &scriptedLLM{results: []llmclient.ToolCallResult{
		{Kind: llmclient.KindFinal, ChatMessage: "restarted the container and confirmed it was healthy"},
	}}

	eng, err := opsai.New(context.Background(), cfg, []worker.Worker{containerWorker()}, llm)
	require.NoError(t, err)
	defer eng.Close()

	summary, err := eng.Summarize(context.Background(), "the service was restarted")
	require.NoError(t, err)
	assert.Equal(t, "restarted the container and confirmed it was healthy", summary)
}

func TestExitCode_ErrorAlwaysMapsToTransportFailure(t *testing.T) {
	assert.Equal(t, opsai.ExitLLMTransportFailure, opsai.ExitCode(opsai.RunResult{Kind: opsai.KindFinalMessage}, assert.AnError))
}

func TestExitCode_CancelledMapsTo130(t *testing.T) {
	assert.Equal(t, opsai.ExitCancelled, opsai.ExitCode(opsai.RunResult{Kind: opsai.KindCancelled}, nil))
}
