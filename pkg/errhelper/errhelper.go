// Package errhelper implements the Error Helper: a static
// pattern lookup that turns a failing WorkerResult.message into a short
// actionable suggestion surfaced alongside the final user-visible reply.
package errhelper

import "strings"

// rule is one (substring, suggestion) pair, checked in order; the first
// match wins. Kept as a simple ordered slice rather than a map since
// substring matching needs to short-circuit on the most specific pattern
// first (e.g. "docker daemon" before a generic "connection refused").
type rule struct {
	pattern    string
	suggestion string
}

var rules = []rule{
	{"docker daemon", "start docker (e.g. `sudo systemctl start docker` or open Docker Desktop)"},
	{"address already in use", "check which process holds the port (e.g. `lsof -i :<port>`) and stop or reconfigure it"},
	{"port is already allocated", "check which process holds the port (e.g. `lsof -i :<port>`) and stop or reconfigure it"},
	{"permission denied", "check file permissions, or try the command with sudo"},
	{"no such file or directory", "verify the path exists before retrying"},
	{"connection refused", "confirm the target service is running and reachable"},
	{"no space left on device", "free disk space (e.g. `df -h`, remove unused files/images) before retrying"},
	{"context deadline exceeded", "the operation timed out; retry or check the target's responsiveness"},
	{"unauthorized", "check the credentials/API key configured for this action"},
	{"image not found", "verify the image name/tag, or pull it first"},
	{"already exists", "the target already exists; use an update/replace action instead of create"},
}

// Suggest returns a short actionable suggestion for message, or "" if no
// known pattern matches. Matching is case-insensitive substring search.
func Suggest(message string) string {
	lower := strings.ToLower(message)
	for _, r := range rules {
		if strings.Contains(lower, r.pattern) {
			return r.suggestion
		}
	}
	return ""
}
