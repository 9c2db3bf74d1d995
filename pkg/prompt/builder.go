// Package prompt implements the Prompt Builder:
// assembles the system and user prompt strings from environment context,
// the live worker registry, session memory, and conversation history.
package prompt

import (
	"fmt"
	"strings"

	"github.com/opsassist/opsai/pkg/worker"
)

// HistoryItem is the minimal shape the Builder needs from one
// Conversation History entry.
type HistoryItem struct {
	Action    string // "<worker>.<action>"
	Message   string
	RawOutput string
	Truncated bool
}

// MemoryItem is the minimal shape the Builder needs from one recalled
// Session Memory entry.
type MemoryItem struct {
	Key   string
	Value string
}

// Builder is stateless beyond the environment snapshot collected once at
// process start; all other state comes in through parameters, so one
// Builder is safely shared by every session.
type Builder struct {
	env Environment
}

// NewBuilder constructs a Builder bound to one Environment snapshot.
func NewBuilder(env Environment) *Builder {
	return &Builder{env: env}
}

// BuildSystemPrompt assembles the system prompt. toolCallMode selects the output-format contract
// section and omits the prose tool catalog when the LLM Client will use
// native tool-call schemas instead.
func (b *Builder) BuildSystemPrompt(reg *worker.Registry, toolCallMode bool) string {
	var sb strings.Builder

	sb.WriteString(roleStatement)
	sb.WriteString("\n\n")

	sb.WriteString(b.formatEnvironment())
	sb.WriteString("\n\n")

	if !toolCallMode {
		sb.WriteString("Available tools:\n\n")
		sb.WriteString(formatToolCatalog(reg))
		sb.WriteString("\n")
	}

	if toolCallMode {
		sb.WriteString(toolCallFormatInstructions)
	} else {
		sb.WriteString(jsonFormatInstructions)
	}
	sb.WriteString("\n\n")

	sb.WriteString(rulesBlock)
	sb.WriteString("\n\n")

	sb.WriteString(b.formatOSHints())

	return sb.String()
}

func (b *Builder) formatEnvironment() string {
	return fmt.Sprintf(
		"Environment: os=%s shell=%s cwd=%s user=%s docker_available=%t k8s_available=%t",
		b.env.OS, b.env.Shell, b.env.Cwd, b.env.User, b.env.DockerAvailable, b.env.K8sAvailable,
	)
}

func (b *Builder) formatOSHints() string {
	switch b.env.OS {
	case "darwin":
		return osHintsDarwin
	default:
		return osHintsLinux
	}
}

func formatToolCatalog(reg *worker.Registry) string {
	if reg == nil {
		return ""
	}
	var sb strings.Builder
	for _, d := range reg.Descriptors() {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		for _, a := range d.Actions {
			fmt.Fprintf(&sb, "  - %s.%s(%s) risk_hint=%s dry_run=%t\n",
				d.Name, a.Name, formatParams(a.Params), a.RiskHint, a.SupportsDryRun)
		}
	}
	return sb.String()
}

func formatParams(params []worker.ParamDescriptor) string {
	parts := make([]string, len(params))
	for i, p := range params {
		req := ""
		if p.Required {
			req = "required"
		} else {
			req = "optional"
		}
		parts[i] = fmt.Sprintf("%s: %s (%s)", p.Name, p.Type, req)
	}
	return strings.Join(parts, ", ")
}

// BuildUserPrompt assembles the user prompt. ports is the extracted-ports entity set from the
// preprocessor; an empty slice omits the banner.
func (b *Builder) BuildUserPrompt(history []HistoryItem, ports []string, memory []MemoryItem, userInput string) string {
	var sb strings.Builder

	if len(history) > 0 {
		sb.WriteString("Recent conversation history:\n")
		for _, h := range history {
			raw := h.RawOutput
			if h.Truncated {
				raw += " [truncated]"
			}
			fmt.Fprintf(&sb, "- %s: %s | output: %s\n", h.Action, h.Message, raw)
		}
		sb.WriteString("\n")
	}

	if len(ports) > 0 {
		fmt.Fprintf(&sb, portBannerTemplate, strings.Join(ports, ", "))
		sb.WriteString("\n\n")
	}

	if len(memory) > 0 {
		sb.WriteString("Remembered context:\n")
		for _, m := range memory {
			fmt.Fprintf(&sb, "- %s: %s\n", m.Key, m.Value)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Current request: ")
	sb.WriteString(userInput)

	return sb.String()
}

// BuildForcedConclusionPrompt asks the model for one bounded concluding
// answer rather than silently returning "incomplete" at the iteration
// cap.
func (b *Builder) BuildForcedConclusionPrompt(iteration int, toolCallMode bool) string {
	format := reactForcedConclusionFormat
	if toolCallMode {
		format = toolCallForcedConclusionFormat
	}
	return fmt.Sprintf(forcedConclusionTemplate, iteration, format)
}

// BuildExecutiveSummarySystemPrompt returns the system prompt for the
// optional executive-summary pass.
func (b *Builder) BuildExecutiveSummarySystemPrompt() string {
	return executiveSummarySystemPrompt
}

// BuildExecutiveSummaryUserPrompt builds the user prompt for the executive
// summary pass from the final ReAct transcript.
func (b *Builder) BuildExecutiveSummaryUserPrompt(finalAnalysis string) string {
	return fmt.Sprintf(executiveSummaryUserTemplate, finalAnalysis)
}
