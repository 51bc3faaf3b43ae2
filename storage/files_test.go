package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestUpsertAndGetFile(t *testing.T) {
	store := newTestStore(t)

	record := FileRecord{
		FileID:       "file-1",
		AbsolutePath: "/data/report.pdf",
		ContentHash:  "aabbcc",
		SizeBytes:    1024,
		ModifiedAt:   1700000000000,
		SyncStatus:   SyncPending,
	}
	require.NoError(t, store.UpsertFile(record))

	got, err := store.GetFile("file-1")
	require.NoError(t, err)
	assert.Equal(t, record, *got)

	byPath, err := store.GetFileByPath("/data/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, record, *byPath)
}

func TestUpsertFileOverwritesOnContentChange(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertFile(FileRecord{
		FileID:       "file-1",
		AbsolutePath: "/data/a.txt",
		ContentHash:  "hash-v1",
		SyncStatus:   SyncSynced,
	}))
	require.NoError(t, store.UpsertFile(FileRecord{
		FileID:       "file-1",
		AbsolutePath: "/data/a.txt",
		ContentHash:  "hash-v2",
		SyncStatus:   SyncPending,
	}))

	got, err := store.GetFile("file-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-v2", got.ContentHash)
	assert.Equal(t, SyncPending, got.SyncStatus)
}

func TestUpdateSyncStatus(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertFile(FileRecord{
		FileID:       "file-1",
		AbsolutePath: "/data/a.txt",
	}))

	require.NoError(t, store.UpdateSyncStatus("file-1", SyncSynced))
	got, err := store.GetFile("file-1")
	require.NoError(t, err)
	assert.Equal(t, SyncSynced, got.SyncStatus)

	assert.ErrorIs(t, store.UpdateSyncStatus("missing", SyncFailed), ErrNotFound)
	assert.Error(t, store.UpdateSyncStatus("file-1", "bogus"))
}

func TestDeleteFileRemovesCheckpoints(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertFile(FileRecord{FileID: "file-1", AbsolutePath: "/data/a.txt"}))
	require.NoError(t, store.AdvanceCheckpoint(Checkpoint{
		FileID:         "file-1",
		PeerDeviceID:   "peer-1",
		Direction:      DirectionReceive,
		LastAckedChunk: 3,
	}))

	require.NoError(t, store.DeleteFile("file-1"))

	_, err := store.GetFile("file-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetCheckpoint("file-1", "peer-1", DirectionReceive)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteFile("file-1"), ErrNotFound)
}

func TestListFilesByStatus(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertFile(FileRecord{FileID: "a", AbsolutePath: "/a", SyncStatus: SyncPending}))
	require.NoError(t, store.UpsertFile(FileRecord{FileID: "b", AbsolutePath: "/b", SyncStatus: SyncSynced}))
	require.NoError(t, store.UpsertFile(FileRecord{FileID: "c", AbsolutePath: "/c", SyncStatus: SyncPending}))

	pending, err := store.ListFiles(SyncPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := store.ListFiles("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = store.ListFiles("bogus")
	assert.Error(t, err)
}
