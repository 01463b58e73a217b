package codec

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	key := randomKey(t)
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 5000)

	blob, err := Pack(key, 3, bytes.NewReader(plaintext))
	require.NoError(t, err)

	r, err := Unpack(key, blob)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestRoundTripEmpty(t *testing.T) {
	key := randomKey(t)

	blob, err := Pack(key, 3, bytes.NewReader(nil))
	require.NoError(t, err)

	r, err := Unpack(key, blob)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTamperDetection(t *testing.T) {
	key := randomKey(t)
	blob, err := Pack(key, 3, bytes.NewReader([]byte("sensitive archive bytes")))
	require.NoError(t, err)

	tampered := append([]byte{}, blob...)
	tampered[0] ^= 0xFF

	_, err = Unpack(key, tampered)
	assert.Error(t, err)
}

func TestWrongKeyFails(t *testing.T) {
	key := randomKey(t)
	wrongKey := randomKey(t)
	blob, err := Pack(key, 3, bytes.NewReader([]byte("secret")))
	require.NoError(t, err)

	_, err = Unpack(wrongKey, blob)
	assert.Error(t, err)
}

func TestBufferTooShort(t *testing.T) {
	key := randomKey(t)
	_, err := Unpack(key, make([]byte, footerSize-1))
	assert.Error(t, err)
}

func TestRejectsWrongKeySize(t *testing.T) {
	_, err := Pack(make([]byte, KeySize-1), 3, bytes.NewReader(nil))
	assert.Error(t, err)

	_, err = Unpack(make([]byte, KeySize+1), make([]byte, footerSize))
	assert.Error(t, err)
}
