package masking

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedSecretValue is the replacement string for masked Kubernetes Secret
// data values and for ConfigMap data keys that look like secrets.
const MaskedSecretValue = "[MASKED_SECRET_DATA]"

// Pre-compiled patterns for fast AppliesTo checks.
var (
	yamlKindPattern = regexp.MustCompile(`(?m)^kind:\s*"?(Secret|ConfigMap)"?\s*$`)
	jsonKindPattern = regexp.MustCompile(`"kind"\s*:\s*"(Secret|ConfigMap)"`)
)

// KubernetesSecretMasker masks data/stringData fields in Kubernetes Secret
// resources outright, and masks individually sensitive-looking keys
// (api_key, token, password, secret — see fieldKeyPattern) within
// ConfigMap data, leaving everything else untouched.
type KubernetesSecretMasker struct{}

func (m *KubernetesSecretMasker) Name() string { return "kubernetes_secret" }

// AppliesTo performs a lightweight check on whether this masker should process the data.
func (m *KubernetesSecretMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "Secret") && !strings.Contains(data, "ConfigMap") {
		return false
	}
	return yamlKindPattern.MatchString(data) || jsonKindPattern.MatchString(data)
}

// Mask detects JSON vs YAML and applies the matching parser, masking
// Secret data/stringData outright and redacting only the sensitive-looking
// keys (per fieldKeyPattern) within ConfigMap data. Returns the original
// data unchanged on any parse or processing error.
func (m *KubernetesSecretMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)

	// Try JSON first when input looks like JSON (starts with { or [).
	// This prevents the YAML parser from consuming JSON and re-serializing as YAML.
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if masked := m.maskJSON(data); masked != data {
			return masked
		}
	}

	// Try YAML (handles multi-document with --- separators)
	if masked := m.maskYAML(data); masked != data {
		return masked
	}

	return data
}

// maskYAML parses multi-document YAML and masks Secret resources.
func (m *KubernetesSecretMasker) maskYAML(data string) string {
	decoder := yaml.NewDecoder(strings.NewReader(data))
	var documents []map[string]any
	anySecret := false

	for {
		var doc map[string]any
		err := decoder.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return data // Parse error — return original (defensive)
		}
		if doc == nil {
			continue
		}

		switch {
		case isKubernetesSecret(doc):
			maskSecretFields(doc)
			maskAnnotationSecrets(doc)
			anySecret = true
		case isKubernetesConfigMap(doc):
			if maskSensitiveConfigMapKeys(doc) {
				anySecret = true
			}
		case isKubernetesList(doc):
			if m.maskListItems(doc) {
				anySecret = true
			}
		}

		documents = append(documents, doc)
	}

	if !anySecret || len(documents) == 0 {
		return data // Nothing to mask
	}

	// Re-serialize to YAML preserving multi-document boundaries
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	for _, doc := range documents {
		if err := encoder.Encode(doc); err != nil {
			return data // Serialization error — return original (defensive)
		}
	}
	if err := encoder.Close(); err != nil {
		return data
	}

	result := buf.String()
	// yaml.Encoder always adds a trailing newline; trim to match original
	result = strings.TrimRight(result, "\n")
	if strings.HasSuffix(data, "\n") {
		result += "\n"
	}

	return result
}

// maskJSON parses JSON and masks Secret resources.
func (m *KubernetesSecretMasker) maskJSON(data string) string {
	// Try to parse as a JSON object
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return data // Not valid JSON — return original
	}

	anyMasked := false

	switch {
	case isKubernetesSecret(obj):
		maskSecretFields(obj)
		maskAnnotationSecrets(obj)
		anyMasked = true
	case isKubernetesConfigMap(obj):
		if maskSensitiveConfigMapKeys(obj) {
			anyMasked = true
		}
	case isKubernetesList(obj):
		if m.maskListItems(obj) {
			anyMasked = true
		}
	}

	if !anyMasked {
		return data
	}

	// Re-serialize with indentation matching typical kubectl JSON output
	result, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return data
	}

	// Preserve trailing newline if original had one
	output := string(result)
	if strings.HasSuffix(data, "\n") {
		output += "\n"
	}

	return output
}

// maskListItems masks Secret items and redacts sensitive ConfigMap keys
// within a Kubernetes List container's "items" field. Shared between the
// YAML and JSON paths — both decode into the same map[string]any shape.
// Returns true if anything was masked.
func (m *KubernetesSecretMasker) maskListItems(container map[string]any) bool {
	items, ok := container["items"]
	if !ok {
		return false
	}

	itemList, ok := items.([]any)
	if !ok {
		return false
	}

	anyMasked := false
	for _, item := range itemList {
		itemMap, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch {
		case isKubernetesSecret(itemMap):
			maskSecretFields(itemMap)
			maskAnnotationSecrets(itemMap)
			anyMasked = true
		case isKubernetesConfigMap(itemMap):
			if maskSensitiveConfigMapKeys(itemMap) {
				anyMasked = true
			}
		}
	}

	return anyMasked
}

// isKubernetesSecret checks if a resource map represents a Kubernetes Secret.
// SecretList is deliberately excluded: it is dispatched via isKubernetesList
// into maskListItems, which masks each contained Secret by its own kind.
func isKubernetesSecret(resource map[string]any) bool {
	kind, ok := resource["kind"].(string)
	if !ok {
		return false
	}
	return kind == "Secret"
}

// isKubernetesConfigMap checks if a resource map represents a Kubernetes ConfigMap.
func isKubernetesConfigMap(resource map[string]any) bool {
	kind, _ := resource["kind"].(string)
	return kind == "ConfigMap"
}

// isKubernetesList checks if a resource map represents a Kubernetes List.
func isKubernetesList(resource map[string]any) bool {
	kind, ok := resource["kind"].(string)
	if !ok {
		return false
	}
	return kind == "List" || strings.HasSuffix(kind, "List")
}

// maskSensitiveConfigMapKeys redacts values of data/binaryData keys whose
// name matches fieldKeyPattern (the same api_key/token/password/secret
// rule MaskFields applies to prompt args), leaving the rest of the
// ConfigMap's data untouched. Returns true if any key was redacted.
func maskSensitiveConfigMapKeys(resource map[string]any) bool {
	anyMasked := false
	for _, field := range []string{"data", "binaryData"} {
		dataMap, ok := resource[field].(map[string]any)
		if !ok {
			continue
		}
		for key := range dataMap {
			if fieldKeyPattern.MatchString(key) {
				dataMap[key] = MaskedSecretValue
				anyMasked = true
			}
		}
	}
	return anyMasked
}

// maskSecretFields replaces values in "data" and "stringData" fields with the masked placeholder.
func maskSecretFields(resource map[string]any) {
	maskSecretDataMaps(resource)
}

// maskSecretDataMaps collapses "data" and "stringData" fields outright to
// MaskedSecretValue — a Secret's entire data payload is untrusted, so
// nothing about its shape (which keys existed, how many) survives into
// the masked output, unlike maskSensitiveConfigMapKeys's key-by-key
// redaction for the much less sensitive ConfigMap case.
func maskSecretDataMaps(resource map[string]any) {
	for _, field := range []string{"data", "stringData"} {
		if _, ok := resource[field]; ok {
			resource[field] = MaskedSecretValue
		}
	}
}

// maskAnnotationSecrets checks annotations for embedded JSON containing Secret data.
// For example, kubectl.kubernetes.io/last-applied-configuration often contains
// a JSON representation of the Secret.
func maskAnnotationSecrets(resource map[string]any) {
	metadata, ok := resource["metadata"].(map[string]any)
	if !ok {
		return
	}

	annotations, ok := metadata["annotations"].(map[string]any)
	if !ok {
		return
	}

	for key, val := range annotations {
		strVal, ok := val.(string)
		if !ok || !strings.Contains(strVal, "Secret") {
			continue
		}

		// Try to parse the annotation value as JSON
		var embedded map[string]any
		if err := json.Unmarshal([]byte(strVal), &embedded); err != nil {
			continue
		}

		if isKubernetesSecret(embedded) {
			maskSecretFields(embedded)
			// Re-serialize
			masked, err := json.Marshal(embedded)
			if err != nil {
				continue
			}
			annotations[key] = string(masked)
		}
	}
}
