package changes_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsassist/opsai/pkg/changes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend_RoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	targetPath := filepath.Join(t.TempDir(), "nginx.conf")
	require.NoError(t, os.WriteFile(targetPath, []byte("server { listen 80; }\n"), 0o644))

	idCounter := 0
	newTracker := func() *changes.Tracker {
		blobs, err := changes.NewFileBlobStore(baseDir)
		require.NoError(t, err)
		index, err := changes.NewFileIndex(baseDir)
		require.NoError(t, err)
		return changes.New(changes.OSFileIO{}, blobs, index,
			func() string { idCounter++; return "filechange-1" },
			func() time.Time { return time.Now() },
		)
	}

	tracker := newTracker()
	rec, err := tracker.Snapshot(ctx, "s1", changes.KindFileReplace, targetPath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(targetPath, []byte("server { listen 8080; }\n"), 0o644))

	// Simulate a process restart: rebuild the tracker from the same
	// baseDir so index.json/*.blob are the only source of truth.
	restarted := newTracker()
	require.NoError(t, restarted.Rollback(ctx, rec.ChangeID))

	data, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, "server { listen 80; }\n", string(data))
}
