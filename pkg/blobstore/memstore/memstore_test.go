package memstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpack/coldpack/pkg/blobstore"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	fileID, length, err := s.Upload(ctx, "archive_1", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)
	assert.EqualValues(t, 5, length)

	data, err := s.Download(ctx, "archive_1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDownloadMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Download(context.Background(), "nope")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _, err := s.Upload(ctx, "manifest_1", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "manifest_1", ""))
	assert.False(t, s.Has("manifest_1"))
	require.NoError(t, s.Remove(ctx, "manifest_1", ""))
}

func TestListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _, _ = s.Upload(ctx, "archive_1", strings.NewReader("a"))
	_, _, _ = s.Upload(ctx, "manifest_1", strings.NewReader("b"))

	archives, err := s.List(ctx, "archive_")
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "archive_1", archives[0].Name)
}
