// Package preprocess implements the Preprocessor: a
// deterministic, I/O-free pass that runs before every LLM call to classify
// intent, extract entities, and resolve conversational references.
package preprocess

import (
	"fmt"
	"regexp"
	"strings"
)

// Intent is the classified user intent.
type Intent string

const (
	IntentChat    Intent = "chat"
	IntentList    Intent = "list"
	IntentExplain Intent = "explain"
	IntentExecute Intent = "execute"
	IntentDeploy  Intent = "deploy"
	IntentUnknown Intent = "unknown"
)

// Entities holds the structured facts extracted from user text.
type Entities struct {
	RepoURL string
	Ports   []string
}

// Result is the Preprocessor's output for one turn.
type Result struct {
	Intent       Intent
	Entities     Entities
	ResolvedText string // user text with "this/that/上面那个" rewritten to a concrete identifier, if resolved
	Flags        map[string]bool
}

var (
	repoURLPattern = regexp.MustCompile(`https?://(?:github|gitlab)\.com/[\w.-]+/[\w.-]+`)

	portPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{1,5}\s*(?:端口|port)`),
		regexp.MustCompile(`(?:端口|port)\s*\d{1,5}`),
		regexp.MustCompile(`:\s*\d{1,5}`),
		regexp.MustCompile(`(?:在|on)\s*\d{1,5}`),
	}

	portNumberPattern = regexp.MustCompile(`\d{1,5}`)

	deployVerbPattern = regexp.MustCompile(`(?i)(部署|deploy|install|启动|run)`)

	listKeywords    = []string{"list", "show", "查看", "列出", "显示"}
	explainKeywords = []string{"explain", "why", "解释", "为什么", "怎么回事"}
	executeKeywords = []string{"restart", "stop", "start", "重启", "启动", "停止", "run", "delete", "remove", "删除"}

	referencePattern = regexp.MustCompile(`(?i)(this|that|上面那个|这个|那个)`)
)

// HistoryEntry is the minimal shape the Preprocessor needs from a prior
// turn's worker result to resolve references — an ordered sequence of
// records a concrete identifier might be pulled from. Kept intentionally narrow so this package does not
// depend on pkg/worker or pkg/history.
type HistoryEntry struct {
	Data any
}

// identifierPattern finds things that look like container names, PIDs, or
// filesystem paths inside a loosely-typed record value.
var identifierPattern = regexp.MustCompile(`(?:^|\s)([a-zA-Z0-9_.\-/]{3,})(?:\s|$)`)

// Run classifies intent, extracts entities, and attempts reference
// resolution against the most recent history entry's data. No network or
// filesystem I/O; idempotent per input.
func Run(userInput string, history []HistoryEntry) Result {
	res := Result{
		Flags:        map[string]bool{},
		ResolvedText: userInput,
	}

	res.Entities.RepoURL = repoURLPattern.FindString(userInput)
	res.Entities.Ports = extractPorts(userInput)

	if ref := referencePattern.FindString(userInput); ref != "" {
		if ident, ok := resolveReference(history); ok {
			res.ResolvedText = replaceReference(userInput, ref, ident)
			res.Flags["resolved_reference"] = true
		}
	}

	res.Intent = classifyIntent(userInput, res.Entities)
	return res
}

func extractPorts(input string) []string {
	seen := map[string]bool{}
	var ports []string
	for _, pat := range portPatterns {
		for _, match := range pat.FindAllString(input, -1) {
			num := portNumberPattern.FindString(match)
			if num == "" || seen[num] {
				continue
			}
			seen[num] = true
			ports = append(ports, num)
		}
	}
	return ports
}

func classifyIntent(input string, ent Entities) Intent {
	lower := strings.ToLower(input)

	if ent.RepoURL != "" && deployVerbPattern.MatchString(input) {
		return IntentDeploy
	}
	for _, kw := range executeKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) || strings.Contains(input, kw) {
			return IntentExecute
		}
	}
	for _, kw := range listKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) || strings.Contains(input, kw) {
			return IntentList
		}
	}
	for _, kw := range explainKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) || strings.Contains(input, kw) {
			return IntentExplain
		}
	}
	if looksConversational(input) {
		return IntentChat
	}
	return IntentUnknown
}

func looksConversational(input string) bool {
	trimmed := strings.TrimSpace(input)
	return strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？") ||
		strings.Contains(trimmed, "你好") || strings.HasPrefix(strings.ToLower(trimmed), "hi") ||
		strings.HasPrefix(strings.ToLower(trimmed), "hello")
}

// resolveReference walks history most-recent-first looking for something
// that looks like an identifier in the entry's data.
func resolveReference(history []HistoryEntry) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if ident, ok := identifierFromData(history[i].Data); ok {
			return ident, true
		}
	}
	return "", false
}

func identifierFromData(data any) (string, bool) {
	switch v := data.(type) {
	case string:
		if m := identifierPattern.FindStringSubmatch(v); m != nil {
			return m[1], true
		}
	case map[string]any:
		for _, key := range []string{"name", "container", "path", "pid", "id"} {
			if val, ok := v[key]; ok {
				return fmt.Sprintf("%v", val), true
			}
		}
	case []any:
		if len(v) > 0 {
			return identifierFromData(v[0])
		}
	}
	return "", false
}

func replaceReference(input, ref, identifier string) string {
	return strings.Replace(input, ref, fmt.Sprintf("%s (%s)", ref, identifier), 1)
}
