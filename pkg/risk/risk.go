// Package risk implements the deterministic, side-effect-free command risk
// analyzer. Given a shell command string it
// classifies risk through four ordered layers, each permitted only to raise
// the tier except for a small set of explicit safe-semantic markers.
package risk

import (
	"fmt"
	"strings"
)

// Tier is one of the four risk tiers a command can be classified into.
// Ordered so int comparison implements the "maximum of" composition rule
// for compound commands.
type Tier int

const (
	Safe Tier = iota
	Medium
	High
	Blocked
)

// String implements fmt.Stringer for log/test output.
func (t Tier) String() string {
	switch t {
	case Safe:
		return "safe"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ParseTier converts a config/whitelist string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "safe":
		return Safe, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "blocked":
		return Blocked, nil
	default:
		return Safe, fmt.Errorf("risk: unknown tier %q", s)
	}
}

// Verdict is the result of analyzing one command.
type Verdict struct {
	Tier   Tier
	Reason string
}

// raise bumps t up to at least min, never lowering it.
func raise(t, min Tier) Tier {
	if min > t {
		return min
	}
	return t
}

// Analyze classifies a shell command string. Pure function, no I/O —
// the analyzer never executes or inspects the filesystem.
func Analyze(command string) Verdict {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Verdict{Tier: Safe, Reason: "empty command"}
	}

	// Layer 4 composition happens around the other three: split on shell
	// metacharacters first, analyze each segment with layers 1-3, then
	// recombine by taking the maximum.
	return analyzeComposed(cmd, true)
}

// analyzeComposed implements Layer 4 (composition) around the single-segment
// analyzer analyzeSegment (Layers 1-3). topLevel distinguishes the
// outermost call (where the echo exception and blocked-pattern checks on
// substitution/pipes apply) from recursive calls on already-split segments.
func analyzeComposed(cmd string, topLevel bool) Verdict {
	if strings.Contains(cmd, "--no-preserve-root") {
		return Verdict{Tier: Blocked, Reason: "--no-preserve-root present → blocked"}
	}

	if isEchoIdiom(cmd) {
		return analyzeEchoIdiom(cmd)
	}

	if topLevel {
		if v, ok := checkPipeToShellPatterns(cmd); ok {
			return v
		}
		if v, ok := checkCommandSubstitution(cmd); ok {
			return v
		}
	}

	segments, seps := splitOnMetacharacters(cmd)
	if len(segments) > 1 {
		var worst Verdict
		for i, seg := range segments {
			v := analyzePipeAware(strings.TrimSpace(seg), i > 0 && seps[i-1] == "|")
			if i == 0 || v.Tier > worst.Tier {
				worst = v
			}
		}
		if worst.Reason != "" {
			worst.Reason = fmt.Sprintf("composed(%s) → %s", strings.Join(seps, ","), worst.Reason)
		}
		return worst
	}

	return analyzeSegment(cmd)
}

// analyzePipeAware classifies one segment, treating the right-hand side of
// a pipe specially: a safe-pipe target (grep, awk, sort, ...) never raises
// the composed risk, while any other pipe target raises its own segment
// verdict one tier.
func analyzePipeAware(seg string, pipeRHS bool) Verdict {
	if !pipeRHS {
		return analyzeComposed(seg, false)
	}
	fields := strings.Fields(seg)
	if len(fields) > 0 && safePipeTargets[fields[0]] {
		return Verdict{Tier: Safe, Reason: fmt.Sprintf("safe pipe target %q", fields[0])}
	}
	v := analyzeComposed(seg, false)
	v.Tier = capAt(v.Tier+1, Blocked)
	v.Reason += " + unsafe pipe target raises one tier"
	return v
}

// checkCommandSubstitution blocks $(...) and backtick substitution, except
// inside the echo idiom which is handled separately by analyzeEchoIdiom.
func checkCommandSubstitution(cmd string) (Verdict, bool) {
	if strings.Contains(cmd, "`") || strings.Contains(cmd, "$(") {
		return Verdict{Tier: Blocked, Reason: "command substitution ($(...) or `) → blocked"}, true
	}
	return Verdict{}, false
}

// checkPipeToShellPatterns blocks the well-known pipe-to-interpreter
// idioms.
func checkPipeToShellPatterns(cmd string) (Verdict, bool) {
	blockedPipes := []string{"| bash", "|bash", "| sh", "|sh", "| zsh", "|zsh", "| sudo", "|sudo", "| xargs rm", "|xargs rm"}
	for _, p := range blockedPipes {
		if strings.Contains(cmd, p) {
			return Verdict{Tier: Blocked, Reason: fmt.Sprintf("pipe pattern %q → blocked", strings.TrimSpace(p))}, true
		}
	}
	return Verdict{}, false
}

// splitOnMetacharacters splits a command on |, &&, ||, ; at the top level,
// returning the segments in order along with the separator tokens used.
// This is a simple scanner, not a full shell parser — sufficient for
// deterministic classification.
func splitOnMetacharacters(cmd string) (segments []string, seps []string) {
	var cur strings.Builder
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			segments = append(segments, cur.String())
			seps = append(seps, "&&")
			cur.Reset()
			i++
		case c == '|' && i+1 < len(runes) && runes[i+1] == '|':
			segments = append(segments, cur.String())
			seps = append(seps, "||")
			cur.Reset()
			i++
		case c == '|':
			segments = append(segments, cur.String())
			seps = append(seps, "|")
			cur.Reset()
		case c == ';':
			segments = append(segments, cur.String())
			seps = append(seps, ";")
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	segments = append(segments, cur.String())
	return segments, seps
}

var safePipeTargets = map[string]bool{
	"grep": true, "awk": true, "sed": true, "sort": true, "uniq": true,
	"wc": true, "head": true, "tail": true, "cut": true, "tr": true,
	"tee": true, "xargs": true, "less": true, "more": true, "cat": true,
	"jq": true, "yq": true, "column": true, "fmt": true,
}

// analyzeSegment runs Layers 1-3 on a single, already-split command segment.
func analyzeSegment(cmd string) Verdict {
	tokens := tokenize(cmd)
	if len(tokens) == 0 {
		return Verdict{Tier: Safe, Reason: "empty segment"}
	}

	first := tokens[0]
	elevatedBySudo := false
	if first == "sudo" || first == "doas" {
		elevatedBySudo = true
		tokens = tokens[1:]
		if len(tokens) == 0 {
			return Verdict{Tier: Medium, Reason: "bare sudo/doas → medium"}
		}
		first = tokens[0]
	}

	tier, category := categoryOf(first)
	reason := fmt.Sprintf("%s (%s)", first, category)

	if elevatedBySudo {
		tier = raise(tier, Medium)
		reason += " + sudo/doas prefix raises baseline"
	}

	// Layer 2: action semantics.
	tier, reason = applyActionSemantics(tokens, category, tier, reason)

	// Layer 3: dangerous flags and paths.
	tier, reason = applyFlagsAndPaths(tokens, tier, reason)

	// Layer 4 (partial, intra-segment): right-hand side of an intra-segment
	// pipe character already split away by splitOnMetacharacters; nothing
	// else to do here.

	return Verdict{Tier: tier, Reason: reason}
}

func tokenize(cmd string) []string {
	return strings.Fields(cmd)
}

// --- Layer 1: command category table ---

type category string

const (
	catQuery       category = "query"
	catPackage     category = "package_manager"
	catService     category = "service_management"
	catContainer   category = "container"
	catVCS         category = "version_control"
	catRuntime     category = "language_runtime"
	catNetwork     category = "network_tools"
	catMonitoring  category = "monitoring"
	catDestructive category = "destructive"
	catUnknown     category = "unknown"
)

var categoryTable = map[string]category{
	// query
	"cat": catQuery, "less": catQuery, "head": catQuery, "tail": catQuery,
	"grep": catQuery, "find": catQuery, "which": catQuery, "whoami": catQuery,
	"df": catQuery, "du": catQuery, "free": catQuery, "ps": catQuery,
	"top": catQuery, "netstat": catQuery, "ss": catQuery, "ip": catQuery,
	"ping": catQuery, "stat": catQuery, "lsof": catQuery, "ls": catQuery,
	"file": catQuery, "env": catQuery, "uname": catQuery, "uptime": catQuery,
	"id": catQuery, "date": catQuery, "hostname": catQuery, "wc": catQuery,

	// package_manager
	"npm": catPackage, "yarn": catPackage, "pnpm": catPackage, "pip": catPackage,
	"pip3": catPackage, "cargo": catPackage, "go": catPackage, "brew": catPackage,
	"apt": catPackage, "apt-get": catPackage, "dnf": catPackage, "yum": catPackage,
	"apk": catPackage,

	// service_management
	"systemctl": catService, "service": catService, "nginx": catService,
	"redis-cli": catService, "psql": catService, "mongosh": catService,

	// container
	"docker": catContainer, "docker-compose": catContainer, "podman": catContainer,
	"kubectl": catContainer, "helm": catContainer,

	// version_control
	"git": catVCS, "svn": catVCS, "hg": catVCS,

	// language_runtime
	"node": catRuntime, "python": catRuntime, "python3": catRuntime,
	"ruby": catRuntime, "php": catRuntime, "java": catRuntime,
	"make": catRuntime, "gcc": catRuntime,

	// network_tools
	"curl": catNetwork, "wget": catNetwork, "ssh": catNetwork, "scp": catNetwork,
	"rsync": catNetwork, "nc": catNetwork, "nmap": catNetwork,

	// monitoring
	"vmstat": catMonitoring, "iostat": catMonitoring, "htop": catMonitoring,
	"strace": catMonitoring,

	// destructive
	"rm": catDestructive, "rmdir": catDestructive, "kill": catDestructive,
	"killall": catDestructive, "dd": catDestructive, "mkfs": catDestructive,
	"shred": catDestructive,
}

var categoryBaseline = map[category]Tier{
	catQuery:       Safe,
	catPackage:     Medium,
	catService:     Medium,
	catContainer:   Medium,
	catVCS:         Safe,
	catRuntime:     Safe,
	catNetwork:     Medium,
	catMonitoring:  Safe,
	catDestructive: High,
	catUnknown:     Medium,
}

func categoryOf(first string) (Tier, category) {
	cat, ok := categoryTable[first]
	if !ok {
		cat = catUnknown
	}
	return categoryBaseline[cat], cat
}

// --- Layer 2: action semantics ---

var safeActionTokens = map[string]bool{
	"--version": true, "--help": true, "status": true, "list": true,
	"show": true, "info": true, "describe": true, "inspect": true,
	"check": true, "ping": true, "top": true, "logs": true, "cat": true,
	"view": true,
}

var writeActionTokens = map[string]bool{
	"install": true, "add": true, "create": true, "touch": true,
	"write": true, "set": true, "update": true, "upgrade": true,
	"build": true, "init": true, "apply": true, "patch": true, "enable": true,
}

var destructiveActionTokens = map[string]bool{
	"remove": true, "delete": true, "rm": true, "drop": true, "purge": true,
	"uninstall": true, "kill": true, "stop": true, "destroy": true,
	"reset": true, "rollback": true, "prune": true, "clean": true,
	"wipe": true, "truncate": true, "drain": true, "evict": true,
}

func applyActionSemantics(tokens []string, cat category, tier Tier, reason string) (Tier, string) {
	rest := tokens[1:]
	loweredTier := false

	for _, tok := range rest {
		switch {
		case safeActionTokens[tok]:
			if !loweredTier {
				tier = lowerOneTier(tier)
				reason += fmt.Sprintf(" + safe token %q lowers one tier", tok)
				loweredTier = true
			}
		case destructiveActionTokens[tok], tok == "-s" && containsNext(rest, tok, "stop", "reload"):
			tier = High
			if cat == catService && tok == "stop" {
				reason = fmt.Sprintf("%s + stop semantics → high", reason)
			} else {
				reason += fmt.Sprintf(" + destructive token %q → high", tok)
			}
		case writeActionTokens[tok]:
			tier = raise(tier, Medium)
			reason += fmt.Sprintf(" + write token %q → at least medium", tok)
		}
	}

	return tier, reason
}

func containsNext(tokens []string, cur, a, b string) bool {
	for i, t := range tokens {
		if t == cur && i+1 < len(tokens) {
			return tokens[i+1] == a || tokens[i+1] == b
		}
	}
	return false
}

func lowerOneTier(t Tier) Tier {
	if t > Safe {
		return t - 1
	}
	return Safe
}

// --- Layer 3: dangerous flags and paths ---

var systemPathPrefixes = []string{
	"/etc", "/usr", "/var", "/boot", "/sys", "/proc", "/bin", "/sbin",
	"/lib", "/root", "/",
}

func applyFlagsAndPaths(tokens []string, tier Tier, reason string) (Tier, string) {
	hasForceLike := false
	hasSystemPath := false

	for _, tok := range tokens {
		switch tok {
		case "-rf", "--force", "-9", "--purge":
			hasForceLike = true
			tier = capAt(tier+1, High)
			reason += fmt.Sprintf(" + dangerous flag %q", tok)
		case "--recursive", "--all":
			tier = capAt(tier+1, High)
			reason += fmt.Sprintf(" + broadening flag %q", tok)
		case "--dry-run", "--check", "--diff", "--simulate", "-n":
			tier = lowerOneTier(tier)
			reason += fmt.Sprintf(" + safe marker %q lowers one tier", tok)
		default:
			if isPathLikeSystemTarget(tok) {
				hasSystemPath = true
				// A system path only raises risk when the command already
				// does something (write/destructive/unknown); reading a
				// file under /var or /etc stays at its category baseline.
				if tier >= Medium {
					tier = raise(tier, High)
					reason += fmt.Sprintf(" + system path target %q → high", tok)
				}
			}
		}
	}

	if hasSystemPath && hasForceLike {
		tier = Blocked
		reason += " (system path + force flag → blocked)"
	}

	return tier, reason
}

func capAt(t, max Tier) Tier {
	if t > max {
		return max
	}
	return t
}

func isPathLikeSystemTarget(tok string) bool {
	if !strings.HasPrefix(tok, "/") {
		return false
	}
	for _, p := range systemPathPrefixes {
		if tok == p || strings.HasPrefix(tok, p+"/") || tok == p {
			return true
		}
	}
	return false
}

// --- echo exception ---

func isEchoIdiom(cmd string) bool {
	fields := strings.Fields(cmd)
	return len(fields) > 0 && fields[0] == "echo"
}

// analyzeEchoIdiom implements the config-file-generation idiom exception:
// `echo X=$(...) > path` is permitted iff the redirection target is not a
// system path, and retains echo's base (safe) risk unless the substituted
// command is itself risky. &&, ||, ;, backticks, and & remain forbidden.
func analyzeEchoIdiom(cmd string) Verdict {
	if strings.ContainsAny(cmd, "`") {
		return Verdict{Tier: Blocked, Reason: "echo idiom: backtick substitution forbidden → blocked"}
	}
	for _, forbidden := range []string{"&&", "||", ";", "&"} {
		if strings.Contains(cmd, forbidden) {
			return Verdict{Tier: Blocked, Reason: fmt.Sprintf("echo idiom: %q forbidden inside echo → blocked", forbidden)}
		}
	}

	tier := Safe
	reason := "echo idiom, base safe"

	if idx := strings.Index(cmd, "$("); idx != -1 {
		end := matchParen(cmd, idx+1)
		if end == -1 {
			return Verdict{Tier: Blocked, Reason: "echo idiom: unbalanced $(...) → blocked"}
		}
		inner := cmd[idx+2 : end]
		innerVerdict := analyzeComposed(strings.TrimSpace(inner), false)
		if innerVerdict.Tier > tier {
			tier = innerVerdict.Tier
			reason = fmt.Sprintf("echo idiom: substituted command %q is %s", inner, innerVerdict.Reason)
		}
	}

	if redir := findRedirectionTarget(cmd); redir != "" {
		if isSystemPathTarget(redir) {
			return Verdict{Tier: Blocked, Reason: fmt.Sprintf("echo idiom: redirection target %q is a system path → blocked", redir)}
		}
	}

	return Verdict{Tier: tier, Reason: reason}
}

func isSystemPathTarget(path string) bool {
	for _, p := range systemPathPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// findRedirectionTarget returns the argument following the last '>' or '>>'
// outside of any $(...) substitution.
func findRedirectionTarget(cmd string) string {
	depth := 0
	lastOp := -1
	opLen := 0
	for i := 0; i < len(cmd); i++ {
		switch {
		case i+1 < len(cmd) && cmd[i] == '$' && cmd[i+1] == '(':
			depth++
			i++
		case depth > 0 && cmd[i] == ')':
			depth--
		case depth == 0 && cmd[i] == '>':
			if i+1 < len(cmd) && cmd[i+1] == '>' {
				lastOp, opLen = i, 2
				i++
			} else {
				lastOp, opLen = i, 1
			}
		}
	}
	if lastOp == -1 {
		return ""
	}
	rest := strings.TrimSpace(cmd[lastOp+opLen:])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// matchParen returns the index of the ')' matching the '(' at openIdx, or -1.
func matchParen(s string, openIdx int) int {
	depth := 1
	for i := openIdx + 1; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// IsSafePipeTarget reports whether name is a pipe right-hand side that
// never raises a composed command's risk. Exposed for callers that want
// to inspect pipe segments directly; the composition path above already
// applies it per segment.
func IsSafePipeTarget(name string) bool {
	return safePipeTargets[name]
}
