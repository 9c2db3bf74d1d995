package policy_test

import (
	"context"
	"testing"

	"github.com/opsassist/opsai/pkg/policy"
	"github.com/opsassist/opsai/pkg/risk"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	rules, err := policy.LoadDefaultRules()
	require.NoError(t, err)
	eng, err := policy.NewEngine(context.Background(), rules)
	require.NoError(t, err)
	return eng
}

func TestEngine_WhitelistedSafeCommand(t *testing.T) {
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "git status")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedTrue, d.Allowed)
	require.Equal(t, risk.Safe, d.RiskLevel)
	require.Equal(t, policy.MatchedWhitelist, d.MatchedBy)
}

func TestEngine_Blacklisted(t *testing.T) {
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "rm -rf /")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedFalse, d.Allowed)
	require.Equal(t, policy.MatchedWhitelist, d.MatchedBy)
}

func TestEngine_UnknownFallsThrough(t *testing.T) {
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "some-tool-not-in-any-rule do-thing")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedUnknown, d.Allowed)
	require.Equal(t, policy.MatchedNone, d.MatchedBy)
	require.False(t, d.HasRisk)
}

func TestEngine_EmptyCommand(t *testing.T) {
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "   ")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedUnknown, d.Allowed)
}

func TestEngine_PlainEchoWhitelisted(t *testing.T) {
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "echo hello world")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedTrue, d.Allowed)
	require.Equal(t, risk.Safe, d.RiskLevel)
}

func TestEngine_EchoChainedWithDestructiveCommandFallsThrough(t *testing.T) {
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "echo a && rm -rf /")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedUnknown, d.Allowed, "a chained command must not be waved through by the echo-write whitelist rule")
	require.False(t, d.HasRisk)
}

func TestEngine_EchoRedirectionFallsThrough(t *testing.T) {
	// Redirection must never be settled by the echo whitelist rule alone:
	// the risk analyzer owns the system-path redirection check.
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), `echo foo > /etc/passwd`)
	require.NoError(t, err)
	require.Equal(t, policy.AllowedUnknown, d.Allowed)
	require.False(t, d.HasRisk)
}

func TestEngine_EchoPipedFallsThrough(t *testing.T) {
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "echo foo | sh")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedUnknown, d.Allowed)
}

func TestEngine_ChainedSafeCommandFallsThrough(t *testing.T) {
	// Even a whitelisted, harmless-looking first command loses its fast
	// path once a second command is chained onto it.
	eng := newEngine(t)
	d, err := eng.Evaluate(context.Background(), "git status; rm -rf /")
	require.NoError(t, err)
	require.Equal(t, policy.AllowedUnknown, d.Allowed)
}
