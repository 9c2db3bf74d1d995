package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	svc := NewService(nil)
	require.NotNil(t, svc)
	assert.NotEmpty(t, svc.patterns, "should have compiled builtin patterns")
	assert.Contains(t, svc.codeMaskers, "kubernetes_secret")
}

func TestNewService_CustomPatterns(t *testing.T) {
	svc := NewService(map[string]string{"custom": `CUSTOM_[A-Z]+`})
	assert.Contains(t, svc.patterns, "custom")
}

func TestNewService_InvalidCustomPatternSkipped(t *testing.T) {
	svc := NewService(map[string]string{"bad": `(unclosed`})
	assert.NotContains(t, svc.patterns, "bad")
}

func TestMaskToolOutput_EmptyContent(t *testing.T) {
	svc := NewService(nil)
	assert.Empty(t, svc.MaskToolOutput(""))
}

func TestMaskToolOutput_APIKeyRedacted(t *testing.T) {
	svc := NewService(nil)
	content := `api_key: "sk-FAKE1234567890abcdef"`
	result := svc.MaskToolOutput(content)
	assert.Contains(t, result, "[MASKED]")
	assert.NotContains(t, result, "sk-FAKE1234567890abcdef")
}

func TestMaskToolOutput_BearerHeaderRedacted(t *testing.T) {
	svc := NewService(nil)
	content := "Authorization: Bearer abcdef1234567890"
	result := svc.MaskToolOutput(content)
	assert.Contains(t, result, "Authorization: Bearer [MASKED]")
}

func TestMaskToolOutput_PlainContentUnchanged(t *testing.T) {
	svc := NewService(nil)
	content := "container web-1 is running"
	assert.Equal(t, content, svc.MaskToolOutput(content))
}

func TestMaskUserData_FailOpenOnEmptyIsNoop(t *testing.T) {
	svc := NewService(nil)
	assert.Empty(t, svc.MaskUserData(""))
}

func TestMaskFields_RedactsMatchingKeysRecursively(t *testing.T) {
	in := map[string]any{
		"username": "alice",
		"api_key":  "sk-live-abc123",
		"nested": map[string]any{
			"password": "hunter2",
			"note":     "fine",
		},
	}
	out := MaskFields(in)
	assert.Equal(t, "alice", out["username"])
	assert.Equal(t, "[MASKED]", out["api_key"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, "[MASKED]", nested["password"])
	assert.Equal(t, "fine", nested["note"])
}

func TestKubernetesSecretMasker_IntegratedInService(t *testing.T) {
	svc := NewService(nil)
	content := "kind: Secret\ndata:\n  password: c2VjcmV0\n"
	result := svc.MaskToolOutput(content)
	assert.Contains(t, result, MaskedSecretValue)
	assert.NotContains(t, result, "c2VjcmV0")
}
