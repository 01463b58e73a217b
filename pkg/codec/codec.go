// Package codec implements the per-blob compress-then-encrypt envelope
// applied to every archive and patchset blob. The AEAD is
// XChaCha20-Poly1305, whose 192-bit nonce makes collisions negligible
// across the many thousands of blobs a long-lived backup accumulates.
package codec

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required AEAD key length in bytes (256 bits).
const KeySize = chacha20poly1305.KeySize

// NonceSize is the AEAD nonce length in bytes (192 bits).
const NonceSize = chacha20poly1305.NonceSizeX

// TagSize is the AEAD authentication tag length in bytes.
const TagSize = chacha20poly1305.Overhead

// footerSize is the number of trailing bytes carrying the nonce and tag.
const footerSize = NonceSize + TagSize

// Pack compresses r with zstd at level and seals the result with
// XChaCha20-Poly1305 under key, returning compressed(plaintext) ‖ nonce ‖
// tag. key must be KeySize bytes.
func Pack(key []byte, level int, r io.Reader) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes, got %d", KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec: init aead: %w", err)
	}

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("codec: init compressor: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("codec: flush compressor: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, compressed.Bytes(), nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, len(ciphertext)+footerSize)
	out = append(out, ciphertext...)
	out = append(out, nonce...)
	out = append(out, tag...)
	return out, nil
}

// Unpack reverses Pack: it authenticates and decrypts blob under key, then
// returns a reader that streams the decompressed plaintext. Authentication
// failure (including any tampering of blob) returns a non-nil error rather
// than a reader.
func Unpack(key []byte, blob []byte) (io.ReadCloser, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(blob) < footerSize {
		return nil, fmt.Errorf("codec: buffer too short")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec: init aead: %w", err)
	}

	ciphertext := blob[:len(blob)-footerSize]
	nonce := blob[len(blob)-footerSize : len(blob)-TagSize]
	tag := blob[len(blob)-TagSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	compressed, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: decrypt failed: %w", err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("codec: init decompressor: %w", err)
	}
	return &decoderReadCloser{dec}, nil
}

type decoderReadCloser struct {
	dec *zstd.Decoder
}

func (d *decoderReadCloser) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decoderReadCloser) Close() error {
	d.dec.Close()
	return nil
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}
