package policy

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is one whitelist entry, keyed by (first-word, action-subpattern).
// ActionPattern is matched against the remainder of the
// command line (a regexp, not a plain substring) so one rule can cover a
// family of subcommands.
type Rule struct {
	ID               string   `yaml:"id"`
	FirstWord        string   `yaml:"first_word"`
	ActionPattern    string   `yaml:"action_pattern"`
	AllowedRiskLevel string   `yaml:"allowed_risk_level"`
	ForbiddenFlags   []string `yaml:"forbidden_flags"`
	Exclude          bool     `yaml:"exclude"`

	compiled *regexp.Regexp
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

//go:embed rules.yaml
var defaultRulesYAML []byte

// LoadDefaultRules parses the engine's built-in rule set.
func LoadDefaultRules() ([]Rule, error) {
	return parseRules(defaultRulesYAML)
}

// LoadRulesFile loads an operator-supplied rule file, overriding the
// built-in defaults (Config.PolicyRulesPath).
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to read rules file %s: %w", path, err)
	}
	return parseRules(data)
}

func parseRules(data []byte) ([]Rule, error) {
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("policy: failed to parse rules yaml: %w", err)
	}
	for i := range rf.Rules {
		r := &rf.Rules[i]
		if r.ActionPattern == "" {
			continue
		}
		re, err := regexp.Compile(r.ActionPattern)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %s has invalid action_pattern: %w", r.ID, err)
		}
		r.compiled = re
	}
	return rf.Rules, nil
}
