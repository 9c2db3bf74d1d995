package safety_test

import (
	"context"
	"testing"

	"github.com/opsassist/opsai/internal/config"
	"github.com/opsassist/opsai/pkg/policy"
	"github.com/opsassist/opsai/pkg/risk"
	"github.com/opsassist/opsai/pkg/safety"
	"github.com/opsassist/opsai/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{
		CLIMaxRisk:               "high",
		TUIMaxRisk:               "medium",
		RequireDryRunForHighRisk: true,
		RiskAnalyzerEnabled:      true,
		AutoApproveOff:           false,
	}
}

func testRegistry() *worker.Registry {
	return worker.NewRegistry(
		&worker.Stub{
			WorkerName: "shell",
			Acts: []worker.ActionDescriptor{
				{Name: "execute_command", SupportsDryRun: true},
			},
		},
		&worker.Stub{
			WorkerName: "container",
			Acts: []worker.ActionDescriptor{
				{Name: "restart", RiskHint: "medium"},
				{Name: "list", RiskHint: "safe"},
			},
		},
	)
}

type alwaysFalseTracker struct{}

func (alwaysFalseTracker) Observed(worker, action, argsHash string) bool { return false }

type alwaysTrueTracker struct{}

func (alwaysTrueTracker) Observed(worker, action, argsHash string) bool { return true }

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	rules, err := policy.LoadDefaultRules()
	require.NoError(t, err)
	eng, err := policy.NewEngine(context.Background(), rules)
	require.NoError(t, err)
	return eng
}

func TestEvaluate_SafeCommandAllowed(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), nil)
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "git status",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionAllow, d.Kind)
	assert.Equal(t, risk.Safe, d.Risk)
}

func TestEvaluate_ExceedsCliCapRejected(t *testing.T) {
	cfg := testConfig()
	cfg.CLIMaxRisk = "safe"
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), cfg, alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "container", Action: "restart",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionReject, d.Kind)
	assert.Contains(t, d.Reason, "exceeds cap")
}

func TestEvaluate_HighRiskRequiresDryRunFirst(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysFalseTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "rm -rf ./cache",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionReject, d.Kind)
	assert.Contains(t, d.Reason, "dry-run required first")
}

func TestEvaluate_HighRiskAllowedAfterDryRunObserved(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "rm -rf ./cache",
	})
	require.NoError(t, err)
	assert.NotEqual(t, safety.DecisionReject, d.Kind)
}

func TestEvaluate_TUIMediumRiskNeedsApproval(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeTUI, safety.Instruction{
		Worker: "container", Action: "restart",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionNeedsApproval, d.Kind)
}

func TestEvaluate_SelfDeclaredRiskRaisesEffectiveRisk(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "container", Action: "list", SelfRisk: risk.High,
	})
	require.NoError(t, err)
	assert.Equal(t, risk.High, d.Risk)
}

func TestEvaluate_UnknownWorkerActionErrors(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), nil)
	_, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "nope", Action: "nope",
	})
	require.Error(t, err)
}

func TestEvaluate_EchoChainedWithDestructiveCommandNotAllowed(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysFalseTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "echo a && rm -rf /",
	})
	require.NoError(t, err)
	assert.NotEqual(t, safety.DecisionAllow, d.Kind, "a destructive command chained behind echo must not be auto-allowed as safe")
	assert.NotEqual(t, risk.Safe, d.Risk)
}

func TestEvaluate_EchoRedirectionToSystemPathBlocked(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: `echo foo > /etc/passwd`,
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionReject, d.Kind)
	assert.Equal(t, risk.Blocked, d.Risk)
	assert.Contains(t, d.Reason, "/etc/passwd")
}

func TestEvaluate_EchoRedirectionToLocalPathAllowed(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), nil)
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: `echo PORT=8080 > ./.env`,
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionAllow, d.Kind)
	assert.Equal(t, risk.Safe, d.Risk)
}

func TestEvaluate_PlainEchoAllowed(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), nil)
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "echo hello",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionAllow, d.Kind)
	assert.Equal(t, risk.Safe, d.Risk)
}

func TestEvaluate_AutoApproveOffNeedsApprovalInCLI(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApproveOff = true
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), cfg, alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "container", Action: "restart",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionNeedsApproval, d.Kind)
}

func TestEvaluate_BlockedCommandRejectedWithTrigger(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "rm -rf /etc",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionReject, d.Kind)
	assert.Equal(t, risk.Blocked, d.Risk)
	assert.Contains(t, d.Reason, "-rf")
	assert.Contains(t, d.Reason, "/etc")
}

func TestEvaluate_BlacklistedCommandRejectedEvenAfterDryRun(t *testing.T) {
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), testConfig(), alwaysTrueTracker{})
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "rm -rf /",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionReject, d.Kind)
	assert.Equal(t, risk.Blocked, d.Risk)
}

func TestEvaluate_AnalyzerDisabledRejectsUnmatched(t *testing.T) {
	cfg := testConfig()
	cfg.RiskAnalyzerEnabled = false
	pipe := safety.NewPipeline(newEngine(t), testRegistry(), cfg, nil)
	d, err := pipe.Evaluate(context.Background(), config.ModeCLI, safety.Instruction{
		Worker: "shell", Action: "execute_command", ShellCommand: "some-random-tool run",
	})
	require.NoError(t, err)
	assert.Equal(t, safety.DecisionReject, d.Kind)
	assert.Contains(t, d.Reason, "not whitelisted")
}
