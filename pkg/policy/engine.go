package policy

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/opsassist/opsai/pkg/risk"
)

//go:embed policy.rego
var policySource string

// Engine is the whitelist fast path. It evaluates the embedded
// Rego policy over the loaded rule set for every command before the Safety
// Pipeline falls through to pkg/risk.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine builds an Engine from the given rules. Pass LoadDefaultRules()
// for the built-in set, or LoadRulesFile(Config.PolicyRulesPath) for an
// operator override.
func NewEngine(ctx context.Context, rules []Rule) (*Engine, error) {
	store := inmem.NewFromObject(map[string]any{
		"rules": ruleDocs(rules),
	})

	pq, err := rego.New(
		rego.Query("data.opsai.policy.result"),
		rego.Module("policy.rego", policySource),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to prepare rego query: %w", err)
	}

	return &Engine{query: pq}, nil
}

func ruleDocs(rules []Rule) []map[string]any {
	docs := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		flags := make([]any, len(r.ForbiddenFlags))
		for i, f := range r.ForbiddenFlags {
			flags[i] = f
		}
		docs = append(docs, map[string]any{
			"id":                 r.ID,
			"first_word":         r.FirstWord,
			"action_pattern":     r.ActionPattern,
			"allowed_risk_level": r.AllowedRiskLevel,
			"forbidden_flags":    flags,
			"exclude":            r.Exclude,
		})
	}
	return docs
}

// Evaluate runs the whitelist fast path for one shell command. A result of
// AllowedUnknown signals the Safety Pipeline to fall through to
// risk.Analyze.
func (e *Engine) Evaluate(ctx context.Context, command string) (Decision, error) {
	tokens := strings.Fields(strings.TrimSpace(command))
	if len(tokens) == 0 {
		return Decision{Allowed: AllowedUnknown, MatchedBy: MatchedNone, Reason: "empty command"}, nil
	}

	input := map[string]any{
		"first_word":  tokens[0],
		"action_text": strings.TrimSpace(strings.TrimPrefix(command, tokens[0])),
		"tokens":      toAnySlice(tokens),
		"command":     command,
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: rego evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Allowed: AllowedUnknown, MatchedBy: MatchedNone, Reason: "no rego result"}, nil
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy: unexpected rego result shape %T", rs[0].Expressions[0].Value)
	}

	return decisionFromDoc(doc)
}

func decisionFromDoc(doc map[string]any) (Decision, error) {
	d := Decision{MatchedBy: MatchedNone}

	if reason, ok := doc["reason"].(string); ok {
		d.Reason = reason
	}
	if mb, ok := doc["matched_by"].(string); ok {
		d.MatchedBy = MatchedBy(mb)
	}

	switch v := doc["allowed"].(type) {
	case bool:
		if v {
			d.Allowed = AllowedTrue
		} else {
			d.Allowed = AllowedFalse
		}
	default:
		d.Allowed = AllowedUnknown
	}

	if rl, ok := doc["risk_level"].(string); ok && rl != "" {
		tier, err := risk.ParseTier(rl)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: invalid risk_level in rego result: %w", err)
		}
		d.RiskLevel = tier
		d.HasRisk = true
	}

	return d, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
