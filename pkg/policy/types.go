// Package policy implements the Whitelist/Policy Engine:
// a fast-path lookup of known-safe (or known-blacklisted) commands that
// falls through to the Risk Analyzer (pkg/risk) when it has no opinion.
package policy

import "github.com/opsassist/opsai/pkg/risk"

// Allowed is the tri-state contract of PolicyDecision.Allowed.
// Implemented as a small tagged union rather than a *bool so "unknown" is
// a first-class state instead of an ad hoc nil-check.
type Allowed int

const (
	AllowedUnknown Allowed = iota
	AllowedTrue
	AllowedFalse
)

// MatchedBy records which layer produced the decision.
type MatchedBy string

const (
	MatchedWhitelist    MatchedBy = "whitelist"
	MatchedRiskAnalyzer MatchedBy = "risk_analyzer"
	MatchedNone         MatchedBy = "none"
)

// Decision is the whitelist verdict for one command.
type Decision struct {
	Allowed   Allowed
	RiskLevel risk.Tier
	HasRisk   bool // false when RiskLevel is not meaningful (Allowed == AllowedUnknown with no match)
	Reason    string
	MatchedBy MatchedBy
}
