package masking

import "log/slog"

// Service applies data masking to worker output, conversation history,
// and prompt fields. Constructed once at Engine startup. Thread-safe and
// stateless aside from its compiled patterns: a fixed builtin set plus
// operator-declared custom patterns.
type Service struct {
	patterns    map[string]*CompiledPattern
	codeMaskers map[string]Masker
}

// NewService creates a masking service with all builtin patterns compiled
// eagerly and the structural Kubernetes Secret masker registered. Invalid
// custom patterns are logged and skipped, never fatal.
func NewService(customPatterns map[string]string) *Service {
	s := &Service{
		patterns:    compileBuiltinPatterns(),
		codeMaskers: make(map[string]Masker),
	}
	s.registerMasker(&KubernetesSecretMasker{})

	for name, pattern := range customPatterns {
		cp, err := compileCustomPattern(name, pattern)
		if err != nil {
			slog.Error("masking: failed to compile custom pattern, skipping", "pattern", name, "error", err)
			continue
		}
		s.patterns[name] = cp
	}

	slog.Info("masking service initialized",
		"builtin_patterns", len(builtinPatterns),
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// MaskToolOutput redacts secret-shaped substrings in a worker's raw output
// or message before it is stored in Conversation History or shown to the
// model. Fail-closed: a masking failure redacts the
// entire content rather than risk leaking it.
func (s *Service) MaskToolOutput(content string) string {
	if content == "" {
		return content
	}
	masked, err := s.applyAll(content)
	if err != nil {
		slog.Error("masking: failed to mask tool output, redacting (fail-closed)", "error", err)
		return "[REDACTED: data masking failure — tool result could not be safely processed]"
	}
	return masked
}

// MaskUserData redacts secret-shaped substrings in user-supplied or alert
// data. Fail-open: a masking failure returns the original data, since this
// path feeds human-facing summaries rather than the model's execution
// context.
func (s *Service) MaskUserData(content string) string {
	if content == "" {
		return content
	}
	masked, err := s.applyAll(content)
	if err != nil {
		slog.Error("masking: failed to mask user data, continuing unmasked (fail-open)", "error", err)
		return content
	}
	return masked
}

// MaskFields applies the prompt field-masking rule: any map
// key matching /api[_-]?key|token|password|secret/i has its value replaced
// outright, recursively. Used by the Prompt Builder on worker args/results
// before they are serialized into a prompt.
func MaskFields(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if fieldKeyPattern.MatchString(k) {
			out[k] = "[MASKED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = MaskFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Service) applyAll(content string) (string, error) {
	masked := content

	// Phase 1: code-based maskers (structural awareness).
	if m, ok := s.codeMaskers["kubernetes_secret"]; ok && m.AppliesTo(masked) {
		masked = m.Mask(masked)
	}

	// Phase 2: regex patterns (general sweep).
	for _, name := range defaultGroup {
		if p, ok := s.patterns[name]; ok {
			masked = p.Regex.ReplaceAllString(masked, p.Replacement)
		}
	}
	for name, p := range s.patterns {
		if isBuiltinName(name) {
			continue
		}
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}

	return masked, nil
}

func isBuiltinName(name string) bool {
	_, ok := builtinPatterns[name]
	return ok
}

func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
