// Package changes implements the Change Tracker:
// before a destructive or mutating file operation, snapshot the current
// content under a new change_id; later, roll that change back by id.
// Command-kind records are audit-only and can never be rolled back.
package changes

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies what a ChangeRecord protects against.
type Kind string

const (
	KindFileWrite   Kind = "file_write"
	KindFileDelete  Kind = "file_delete"
	KindFileAppend  Kind = "file_append"
	KindFileReplace Kind = "file_replace"
	KindCommand     Kind = "command"
)

// rollbackable reports whether records of this kind can be restored.
func (k Kind) rollbackable() bool {
	switch k {
	case KindFileWrite, KindFileDelete, KindFileAppend, KindFileReplace:
		return true
	default:
		return false
	}
}

// Record is one tracked change.
type Record struct {
	ChangeID          string    `json:"change_id"`
	SessionID         string    `json:"session_id"`
	Kind              Kind      `json:"kind"`
	TargetPath        string    `json:"target_path"`
	Timestamp         time.Time `json:"timestamp"`
	RollbackAvailable bool      `json:"rollback_available"`
}

// ErrRollbackUnsupported is returned by Rollback for command-kind
// records.
var ErrRollbackUnsupported = errors.New("changes: rollback unsupported for command-kind record")

// ErrNotFound is returned when a change_id is unknown.
var ErrNotFound = errors.New("changes: change_id not found")

// FileIO abstracts the filesystem operations a Tracker needs, so tests
// can substitute an in-memory filesystem without touching disk.
type FileIO interface {
	ReadFile(path string) ([]byte, bool, error) // ok=false iff the file does not exist
	WriteFile(path string, data []byte, existed bool) error
	DeleteFile(path string) error
}

// BlobStore persists the pre-change backup content, indexed by change_id.
// Kept separate from FileIO so the backup medium (disk blob, Postgres
// bytea, ...) is independent of the filesystem being protected.
type BlobStore interface {
	Put(ctx context.Context, changeID string, existed bool, content []byte) error
	Get(ctx context.Context, changeID string) (content []byte, existed bool, err error)
	Delete(ctx context.Context, changeID string) error
}

// Index persists Record metadata, indexed by (session_id, change_id).
type Index interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, changeID string) (Record, error)
	ListSession(ctx context.Context, sessionID string) ([]Record, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]Record, error)
	Delete(ctx context.Context, changeID string) error
}

// IDGenerator produces a new unique change_id. Kept as a seam so tests
// get deterministic ids without this package depending on a clock or
// randomness directly.
type IDGenerator func() string

// Clock supplies the current time, injectable for deterministic tests.
type Clock func() time.Time

// Tracker is the Change Tracker contract: Snapshot before
// a mutation, Rollback by change_id afterward.
type Tracker struct {
	fs    FileIO
	blobs BlobStore
	index Index
	newID IDGenerator
	now   Clock
}

// New builds a Tracker from its collaborators.
func New(fs FileIO, blobs BlobStore, index Index, newID IDGenerator, now Clock) *Tracker {
	return &Tracker{fs: fs, blobs: blobs, index: index, newID: newID, now: now}
}

// Snapshot reads targetPath's current content (if it exists) into a new
// backup blob under a fresh change_id, indexes the record, and returns
// the change_id so the caller's WorkerResult.data can surface it.
func (t *Tracker) Snapshot(ctx context.Context, sessionID string, kind Kind, targetPath string) (Record, error) {
	content, existed, err := t.fs.ReadFile(targetPath)
	if err != nil {
		return Record{}, fmt.Errorf("changes: read target for snapshot: %w", err)
	}

	changeID := t.newID()
	if err := t.blobs.Put(ctx, changeID, existed, content); err != nil {
		return Record{}, fmt.Errorf("changes: store backup blob: %w", err)
	}

	rec := Record{
		ChangeID:          changeID,
		SessionID:         sessionID,
		Kind:              kind,
		TargetPath:        targetPath,
		Timestamp:         t.now(),
		RollbackAvailable: kind.rollbackable(),
	}
	if err := t.index.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("changes: index record: %w", err)
	}
	return rec, nil
}

// RecordCommand indexes an audit-only command-kind entry with no backup
// blob.
func (t *Tracker) RecordCommand(ctx context.Context, sessionID, command string) (Record, error) {
	rec := Record{
		ChangeID:          t.newID(),
		SessionID:         sessionID,
		Kind:              KindCommand,
		TargetPath:        command,
		Timestamp:         t.now(),
		RollbackAvailable: false,
	}
	if err := t.index.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("changes: index command record: %w", err)
	}
	return rec, nil
}

// Rollback restores targetPath's pre-change content from the backup blob.
// Command-kind records always fail with
// ErrRollbackUnsupported.
func (t *Tracker) Rollback(ctx context.Context, changeID string) error {
	rec, err := t.index.Get(ctx, changeID)
	if err != nil {
		return fmt.Errorf("changes: lookup record: %w", err)
	}
	if !rec.RollbackAvailable {
		return ErrRollbackUnsupported
	}

	content, existed, err := t.blobs.Get(ctx, changeID)
	if err != nil {
		return fmt.Errorf("changes: load backup blob: %w", err)
	}

	if !existed {
		if err := t.fs.DeleteFile(rec.TargetPath); err != nil {
			return fmt.Errorf("changes: rollback delete: %w", err)
		}
		return nil
	}
	if err := t.fs.WriteFile(rec.TargetPath, content, existed); err != nil {
		return fmt.Errorf("changes: rollback write: %w", err)
	}
	return nil
}

// Prune deletes index records and blobs older than the retention window.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := t.now().Add(-retention)
	stale, err := t.index.ListOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("changes: list stale records: %w", err)
	}

	pruned := 0
	for _, rec := range stale {
		if err := t.blobs.Delete(ctx, rec.ChangeID); err != nil {
			return pruned, fmt.Errorf("changes: delete blob %s: %w", rec.ChangeID, err)
		}
		if err := t.index.Delete(ctx, rec.ChangeID); err != nil {
			return pruned, fmt.Errorf("changes: delete index entry %s: %w", rec.ChangeID, err)
		}
		pruned++
	}
	return pruned, nil
}

// DefaultRetention is how long records are kept before Prune removes them.
const DefaultRetention = 30 * 24 * time.Hour
