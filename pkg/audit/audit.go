// Package audit implements the append-only audit sink: one line per
// executed (non-dry-run) instruction at `<base_dir>/audit.log`.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time
	UserInput string
	Worker    string
	Action    string
	Risk      string
	Confirmed bool
	ExitCode  int
	Output    string
	DryRun    bool // dry-run entries are never recorded
}

// outputHeadLen bounds how much of the output makes it into a record.
const outputHeadLen = 100

// Sink is the append-only audit log contract. Implementations must
// synchronize concurrent Record calls.
type Sink interface {
	Record(e Entry) error
}

// FileSink appends newline-delimited records to `<baseDir>/audit.log`.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink builds a FileSink rooted at baseDir, creating the
// directory if needed.
func NewFileSink(baseDir string) (*FileSink, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create base dir: %w", err)
	}
	return &FileSink{path: filepath.Join(baseDir, "audit.log")}, nil
}

// Record appends one line for e, unless e.DryRun is set.
func (s *FileSink) Record(e Entry) error {
	if e.DryRun {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(e) + "\n"); err != nil {
		return fmt.Errorf("audit: write log: %w", err)
	}
	return nil
}

// FormatLine renders e as:
//
//	[<ISO-8601 timestamp>] INPUT: <user> | WORKER: <w.a> | RISK: <level> | CONFIRMED: <yes/no> | EXIT: <code> | OUTPUT: <first-100-chars>
func FormatLine(e Entry) string {
	confirmed := "no"
	if e.Confirmed {
		confirmed = "yes"
	}
	output := e.Output
	if len(output) > outputHeadLen {
		output = output[:outputHeadLen]
	}
	output = strings.ReplaceAll(output, "\n", " ")

	return fmt.Sprintf("[%s] INPUT: %s | WORKER: %s.%s | RISK: %s | CONFIRMED: %s | EXIT: %d | OUTPUT: %s",
		e.Timestamp.UTC().Format(time.RFC3339), e.UserInput, e.Worker, e.Action, e.Risk, confirmed, e.ExitCode, output)
}

// NopSink discards every record; useful where no audit sink is
// configured.
type NopSink struct{}

func (NopSink) Record(Entry) error { return nil }
