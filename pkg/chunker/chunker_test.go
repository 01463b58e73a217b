package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boundaries(t *testing.T, data []byte) []int {
	t.Helper()
	var offs []int
	pos := 0
	err := Split(bytes.NewReader(data), func(chunk []byte) error {
		require.NotEmpty(t, chunk)
		pos += len(chunk)
		offs = append(offs, pos)
		return nil
	})
	require.NoError(t, err)
	return offs
}

func TestCompleteness(t *testing.T) {
	data := make([]byte, 5*readChunk+12345)
	_, err := rand.Read(data)
	require.NoError(t, err)

	var out bytes.Buffer
	err = Split(bytes.NewReader(data), func(chunk []byte) error {
		out.Write(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestNoEmptyChunks(t *testing.T) {
	err := Split(bytes.NewReader(nil), func(chunk []byte) error {
		t.Fatalf("unexpected chunk for empty input: %v", chunk)
		return nil
	})
	require.NoError(t, err)
}

func TestDeterministic(t *testing.T) {
	data := make([]byte, 3*readChunk)
	_, err := rand.Read(data)
	require.NoError(t, err)

	first := boundaries(t, data)
	second := boundaries(t, data)
	assert.Equal(t, first, second)
}

func TestLocalityOfEdit(t *testing.T) {
	base := make([]byte, 4*readChunk)
	_, err := rand.Read(base)
	require.NoError(t, err)

	editOffset := len(base) / 2
	edited := make([]byte, 0, len(base)+5)
	edited = append(edited, base[:editOffset]...)
	edited = append(edited, []byte("HELLO")...)
	edited = append(edited, base[editOffset:]...)

	baseBoundaries := boundaries(t, base)
	editedBoundaries := boundaries(t, edited)

	// Boundaries well before the edit must be untouched.
	var prefixEnd int
	for _, b := range baseBoundaries {
		if b < editOffset-windowSize {
			prefixEnd = b
		} else {
			break
		}
	}
	require.Greater(t, prefixEnd, 0)
	require.GreaterOrEqual(t, len(editedBoundaries), 1)
	assert.Contains(t, editedBoundaries, prefixEnd)
}

func TestConsumerErrorPropagates(t *testing.T) {
	data := make([]byte, readChunk*2)
	sentinel := assert.AnError

	calls := 0
	err := Split(bytes.NewReader(data), func(chunk []byte) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestAverageChunkSizeIsReasonable(t *testing.T) {
	data := make([]byte, 8*1<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	var count int
	err = Split(bytes.NewReader(data), func(chunk []byte) error {
		count++
		return nil
	})
	require.NoError(t, err)

	avg := len(data) / count
	// Target average is ~32KiB; allow generous slack for random data.
	assert.Greater(t, avg, 1<<13)
	assert.Less(t, avg, 1<<18)
}
