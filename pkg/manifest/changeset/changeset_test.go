package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpack/coldpack/pkg/manifest/db"
)

func strPtr(s string) *string  { return &s }
func u64Ptr(n uint64) *uint64 { return &n }

func TestCaptureAccumulates(t *testing.T) {
	c := NewCapture()
	assert.True(t, c.ChangeSet().Empty())

	c.PutFile(db.File{ID: 1, Path: []byte("/a/f"), Size: 10, Mode: 0644})
	c.PutMapping(db.Mapping{FileID: 1, Offset: 0, BlockID: 5})

	cs := c.ChangeSet()
	assert.False(t, cs.Empty())
	require.Len(t, cs.FilePuts, 1)
	require.Len(t, cs.MappingPuts, 1)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCapture()
	c.PutArchive(db.Archive{ID: 1, BlobFileID: strPtr("f1"), BlobLength: u64Ptr(100)})
	c.PutBlock(db.Block{ID: 1, Digest: []byte("0123456789abcdef0123456789abcdef"), Length: 32, ArchiveID: 1})
	c.DeleteFile(7)

	data, err := Encode(c.ChangeSet())
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, c.ChangeSet(), decoded)
}

func TestCombinePreservesOrder(t *testing.T) {
	a := NewCapture()
	a.PutFile(db.File{ID: 1, Path: []byte("/a"), Size: 1})
	b := NewCapture()
	b.PutFile(db.File{ID: 1, Path: []byte("/a"), Size: 2})

	combined := Combine(a.ChangeSet(), b.ChangeSet())
	require.Len(t, combined.FilePuts, 2)
	assert.EqualValues(t, 1, combined.FilePuts[0].Size)
	assert.EqualValues(t, 2, combined.FilePuts[1].Size)
}
