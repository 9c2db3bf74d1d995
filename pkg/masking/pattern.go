package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPattern is the uncompiled form of a pattern baked into the binary.
type builtinPattern struct {
	pattern     string
	replacement string
	description string
}

// builtinPatterns covers the secret shapes the field masking pass must
// catch, plus a few additional high-value shapes commonly seen in worker
// output (AWS keys, bearer tokens, generic connection strings).
var builtinPatterns = map[string]builtinPattern{
	"api_key_value": {
		pattern:     `(?i)(["']?(?:api[_-]?key)["']?\s*[:=]\s*["']?)([A-Za-z0-9_\-./+]{8,})(["']?)`,
		replacement: `${1}[MASKED]${3}`,
		description: "key=value / JSON api_key fields",
	},
	"token_value": {
		pattern:     `(?i)(["']?(?:token|access[_-]?token)["']?\s*[:=]\s*["']?)([A-Za-z0-9_\-./+]{8,})(["']?)`,
		replacement: `${1}[MASKED]${3}`,
		description: "key=value / JSON token fields",
	},
	"password_value": {
		pattern:     `(?i)(["']?(?:password|passwd|pwd)["']?\s*[:=]\s*["']?)(\S{3,})(["']?)`,
		replacement: `${1}[MASKED]${3}`,
		description: "key=value / JSON password fields",
	},
	"secret_value": {
		pattern:     `(?i)(["']?(?:secret|client[_-]?secret)["']?\s*[:=]\s*["']?)([A-Za-z0-9_\-./+]{8,})(["']?)`,
		replacement: `${1}[MASKED]${3}`,
		description: "key=value / JSON secret fields",
	},
	"bearer_header": {
		pattern:     `(?i)(Authorization:\s*Bearer\s+)(\S+)`,
		replacement: `${1}[MASKED]`,
		description: "HTTP Authorization: Bearer header",
	},
	"aws_access_key": {
		pattern:     `\b(AKIA[0-9A-Z]{16})\b`,
		replacement: `[MASKED_AWS_KEY]`,
		description: "AWS access key id",
	},
}

// defaultGroup lists the pattern names applied by MaskToolOutput/MaskUserData.
var defaultGroup = []string{
	"api_key_value", "token_value", "password_value", "secret_value",
	"bearer_header", "aws_access_key",
}

func compileBuiltinPatterns() map[string]*CompiledPattern {
	compiled := make(map[string]*CompiledPattern, len(builtinPatterns))
	for name, p := range builtinPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("masking: failed to compile builtin pattern, skipping", "pattern", name, "error", err)
			continue
		}
		compiled[name] = &CompiledPattern{
			Name:        name,
			Regex:       re,
			Replacement: p.replacement,
			Description: p.description,
		}
	}
	return compiled
}

// fieldKeyPattern: any field whose key matches this is redacted
// regardless of value shape.
var fieldKeyPattern = regexp.MustCompile(`(?i)api[_-]?key|token|password|secret`)

// compileCustomPattern compiles one operator-declared pattern, always
// replacing with the fixed "[MASKED]" token — custom patterns may add
// coverage but may not choose their own replacement text.
func compileCustomPattern(name, pattern string) (*CompiledPattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &CompiledPattern{
		Name:        name,
		Regex:       re,
		Replacement: "[MASKED]",
		Description: "custom operator-declared pattern",
	}, nil
}
