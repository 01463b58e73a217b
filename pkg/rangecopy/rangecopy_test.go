package rangecopy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyMovesExactRange(t *testing.T) {
	dir := t.TempDir()
	src, err := os.Create(filepath.Join(dir, "src"))
	require.NoError(t, err)
	defer src.Close()
	_, err = src.Write([]byte("0123456789abcdefghij"))
	require.NoError(t, err)

	dst, err := os.Create(filepath.Join(dir, "dst"))
	require.NoError(t, err)
	defer dst.Close()
	// Pre-size the destination so WriteAt at a nonzero offset lands
	// past real content, the same way restore preallocates output files.
	require.NoError(t, dst.Truncate(20))

	require.NoError(t, Copy(dst, src, 5, 10, 6))

	got := make([]byte, 6)
	_, err = dst.ReadAt(got, 5)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))
}

func TestCopyZeroLengthIsNoop(t *testing.T) {
	dir := t.TempDir()
	src, err := os.Create(filepath.Join(dir, "src"))
	require.NoError(t, err)
	defer src.Close()
	dst, err := os.Create(filepath.Join(dir, "dst"))
	require.NoError(t, err)
	defer dst.Close()

	assert.NoError(t, Copy(dst, src, 0, 0, 0))
}

func TestCopyUserspaceFallbackCopiesExactBytes(t *testing.T) {
	dir := t.TempDir()
	src, err := os.Create(filepath.Join(dir, "src"))
	require.NoError(t, err)
	defer src.Close()
	content := make([]byte, copyBufSize+17)
	for i := range content {
		content[i] = byte(i)
	}
	_, err = src.Write(content)
	require.NoError(t, err)

	dst, err := os.Create(filepath.Join(dir, "dst"))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Truncate(int64(len(content))))

	require.NoError(t, copyUserspace(dst, src, 0, 0, int64(len(content))))

	got := make([]byte, len(content))
	_, err = dst.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
