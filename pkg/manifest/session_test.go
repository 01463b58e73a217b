package manifest

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpack/coldpack/pkg/blobstore/memstore"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func openTestManifest(t *testing.T) (*Manifest, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	cfg := DefaultConfig()
	cfg.Key = testKey(t)
	cfg.MinArchiveLen = 16
	cfg.ScratchDir = t.TempDir()

	m, err := Open(filepath.Join(t.TempDir(), "manifest.db"), store, cfg)
	require.NoError(t, err)
	return m, store
}

// backupOneFile drives a Session directly (standing in for the walker)
// to back up a single file at manifestPath with the given content.
func backupOneFile(t *testing.T, m *Manifest, manifestPath string, content []byte) {
	t.Helper()
	ctx := context.Background()

	session, err := m.BeginBackup(ctx)
	require.NoError(t, err)

	require.NoError(t, session.RecordDirectory([]byte("/"), 0755))
	fileID, err := session.OpenFile([]byte(manifestPath), uint64(len(content)), 0644)
	require.NoError(t, err)
	require.NoError(t, session.WriteBlock(ctx, fileID, 0, content))
	require.NoError(t, session.CloseFile(fileID))

	require.NoError(t, session.CommitBackup(ctx))
}

func TestBackupAndRestoreFilesRoundTrip(t *testing.T) {
	m, _ := openTestManifest(t)
	content := []byte("the quick brown fox jumps over the lazy dog, repeated for length")
	backupOneFile(t, m, "/greeting.txt", content)

	files, err := m.ListFiles("")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/greeting.txt", string(files[0].Path))
	assert.EqualValues(t, len(content), files[0].Size)

	target := t.TempDir()
	require.NoError(t, m.RestoreFiles(context.Background(), "", target))

	got, err := os.ReadFile(filepath.Join(target, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSecondBackupDeduplicatesAndUpdatesFile(t *testing.T) {
	m, _ := openTestManifest(t)
	content := []byte("identical content across two backup sessions for dedup check")
	backupOneFile(t, m, "/a.txt", content)
	backupOneFile(t, m, "/a.txt", content)

	files, err := m.ListFiles("")
	require.NoError(t, err)
	require.Len(t, files, 1)

	var blockCount int64
	require.NoError(t, m.gdb.Table("blocks").Count(&blockCount).Error)
	assert.EqualValues(t, 1, blockCount, "identical bytes across sessions must dedup to one block")
}

func TestGarbageCollectRemovesUnvisitedFiles(t *testing.T) {
	m, _ := openTestManifest(t)
	backupOneFile(t, m, "/keep.txt", []byte("keep me"))

	ctx := context.Background()
	session, err := m.BeginBackup(ctx)
	require.NoError(t, err)
	// Second session visits no files at all: /keep.txt must be collected.
	require.NoError(t, session.CommitBackup(ctx))

	files, err := m.ListFiles("")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestKeepDeletedFilesSkipsGC(t *testing.T) {
	m, _ := openTestManifest(t)
	m.cfg.KeepDeletedFiles = true
	backupOneFile(t, m, "/keep.txt", []byte("keep me"))

	// A second session that visits nothing makes no manifest changes
	// once GC is disabled, so it has nothing to commit.
	ctx := context.Background()
	session, err := m.BeginBackup(ctx)
	require.NoError(t, err)
	err = session.CommitBackup(ctx)
	assert.ErrorIs(t, err, db.ErrNoChanges)

	files, err := m.ListFiles("")
	require.NoError(t, err)
	assert.Len(t, files, 1, "file from the first session must survive since GC was disabled")
}

func TestRestoreManifestRebuildsFromPatchsets(t *testing.T) {
	m, store := openTestManifest(t)
	m.cfg.KeepDeletedFiles = true // each backup visits only its own file
	backupOneFile(t, m, "/a.txt", []byte("first session content"))
	backupOneFile(t, m, "/b.txt", []byte("second session content"))

	fresh, err := Open(filepath.Join(t.TempDir(), "manifest2.db"), store, m.cfg)
	require.NoError(t, err)

	require.NoError(t, fresh.RestoreManifest(context.Background()))

	files, err := fresh.ListFiles("")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestPurgeStorageRemovesOrphanedBlob(t *testing.T) {
	m, store := openTestManifest(t)
	backupOneFile(t, m, "/a.txt", []byte("some content"))

	// Simulate an interrupted upload: a blob exists remotely with no
	// matching row, here by uploading an extra unreferenced patchset blob.
	_, _, err := store.Upload(context.Background(), "manifest_9999", bytes.NewReader([]byte("orphan")))
	require.NoError(t, err)

	require.NoError(t, m.PurgeStorage(context.Background()))

	infos, err := store.List(context.Background(), "manifest_")
	require.NoError(t, err)
	for _, info := range infos {
		assert.NotEqual(t, "manifest_9999", info.Name)
	}
}
