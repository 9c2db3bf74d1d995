package llmclient_test

import (
	"testing"

	"github.com/opsassist/opsai/pkg/llmclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON_FencedBlock(t *testing.T) {
	raw := "Here is my plan:\n```json\n{\"worker\":\"shell\",\"action\":\"execute_command\"}\n```\nDone."
	obj, err := llmclient.ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "shell", obj["worker"])
}

func TestExtractJSON_BalancedBraceScan(t *testing.T) {
	raw := `Sure! {"worker":"container","action":"list","args":{"all":true}} hope that helps`
	obj, err := llmclient.ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "container", obj["worker"])
	args, ok := obj["args"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, args["all"])
}

func TestExtractJSON_BracesInsideStringsDoNotConfuseScan(t *testing.T) {
	raw := `{"worker":"shell","action":"execute_command","args":{"command":"awk '{print $1}' f"}}`
	obj, err := llmclient.ExtractJSON(raw)
	require.NoError(t, err)
	args := obj["args"].(map[string]any)
	assert.Equal(t, "awk '{print $1}' f", args["command"])
}

func TestExtractJSON_RepairsTrailingComma(t *testing.T) {
	raw := `{"worker":"shell","action":"execute_command",}`
	obj, err := llmclient.ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "execute_command", obj["action"])
}

func TestExtractJSON_NoObjectFails(t *testing.T) {
	_, err := llmclient.ExtractJSON("I cannot run that command for you.")
	require.Error(t, err)
	assert.ErrorIs(t, err, llmclient.ErrParse)
}

func TestExtractJSON_UnrepairableFailsAfterBoundedAttempts(t *testing.T) {
	_, err := llmclient.ExtractJSON(`{"worker": not even close]]}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, llmclient.ErrParse)
}
