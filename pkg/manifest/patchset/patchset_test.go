package patchset

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/blobstore/memstore"
	"github.com/coldpack/coldpack/pkg/manifest/changeset"
	"github.com/coldpack/coldpack/pkg/manifest/db"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	gdb, err := db.Open(path)
	require.NoError(t, err)

	store := memstore.New()
	key := testKey(t)

	capture := changeset.NewCapture()
	capture.PutFile(db.File{ID: 1, Path: []byte("/a"), Size: 3})
	cs := capture.ChangeSet()

	row, err := Upload(context.Background(), gdb, store, key, 3, cs)
	require.NoError(t, err)
	require.NotNil(t, row.BlobFileID)
	assert.True(t, store.Has(blobstore.PatchsetBlobName(row.ID)))

	decoded, err := Download(context.Background(), store, key, row)
	require.NoError(t, err)
	assert.Equal(t, cs, decoded)
}

func TestSmallTailCandidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	gdb, err := db.Open(path)
	require.NoError(t, err)

	store := memstore.New()
	key := testKey(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		capture := changeset.NewCapture()
		capture.PutFile(db.File{ID: int64(i + 1), Path: []byte("/a"), Size: uint64(i)})
		_, err := Upload(ctx, gdb, store, key, 3, capture.ChangeSet())
		require.NoError(t, err)
	}

	candidates, err := SmallTailCandidates(gdb, 1<<30)
	require.NoError(t, err)
	assert.Len(t, candidates, 3)
	// highest id first
	assert.Greater(t, candidates[0].ID, candidates[1].ID)
}

// TestSmallTailCandidatesBoundary matches the reference
// select_small_patchsets query (_examples/original_source/src/database.rs),
// which sums lengths.b2_length for every patchset with id >= the
// candidate's own id — the candidate's own length counts toward its own
// threshold check. Lengths 60 (highest id), 50, 10 (lowest id) with
// max_manifest_len=100: the highest-id patchset alone sums to 60 (< 100,
// included); adding the next pushes the running sum to 110 (>= 100, so
// that patchset and everything below it is excluded).
func TestSmallTailCandidatesBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	gdb, err := db.Open(path)
	require.NoError(t, err)

	lengths := []uint64{10, 50, 60} // inserted lowest id first
	for _, l := range lengths {
		length := l
		fileID := "f"
		row := db.Patchset{BlobFileID: &fileID, BlobLength: &length}
		require.NoError(t, gdb.Create(&row).Error)
	}

	candidates, err := SmallTailCandidates(gdb, 100)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, uint64(60), *candidates[0].BlobLength)
}

func TestCompactRequiresAtLeastTwo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	gdb, err := db.Open(path)
	require.NoError(t, err)
	store := memstore.New()
	key := testKey(t)

	capture := changeset.NewCapture()
	capture.PutFile(db.File{ID: 1, Path: []byte("/a"), Size: 1})
	row, err := Upload(context.Background(), gdb, store, key, 3, capture.ChangeSet())
	require.NoError(t, err)

	_, _, err = Compact(context.Background(), gdb, store, key, 3, []db.Patchset{row})
	assert.ErrorIs(t, err, db.ErrNotEnoughSmallPatchsets)
}

func TestCompactMergesAndRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	gdb, err := db.Open(path)
	require.NoError(t, err)
	store := memstore.New()
	key := testKey(t)
	ctx := context.Background()

	var rows []db.Patchset
	for i := 0; i < 3; i++ {
		capture := changeset.NewCapture()
		capture.PutFile(db.File{ID: int64(i + 1), Path: []byte("/a"), Size: uint64(i)})
		row, err := Upload(ctx, gdb, store, key, 3, capture.ChangeSet())
		require.NoError(t, err)
		rows = append(rows, row)
	}

	newRow, removed, err := Compact(ctx, gdb, store, key, 3, rows)
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	var count int64
	require.NoError(t, gdb.Model(&db.Patchset{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	decoded, err := Download(ctx, store, key, newRow)
	require.NoError(t, err)
	assert.Len(t, decoded.FilePuts, 3)
}
