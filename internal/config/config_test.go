package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		AppKeyID:   "keyid",
		AppKey:     "secret",
		BucketID:   "bucketid",
		BucketName: "bucket",
		Key:        "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		Includes:   []string{"/home/user"},
		ScratchDir: "/tmp/coldpack-scratch",
		ManifestPath: "coldpack.db",
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		CompressionLevel: 17,
		MinArchiveLen:    50_000_000,
		MaxManifestLen:   10_000_000,
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsMissingIncludes(t *testing.T) {
	cfg := validConfig()
	cfg.Includes = nil
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadKeyLength(t *testing.T) {
	cfg := validConfig()
	cfg.Key = "deadbeef"
	assert.Error(t, Validate(cfg))
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{
		AppKeyID:   "keyid",
		AppKey:     "secret",
		BucketID:   "bucketid",
		BucketName: "bucket",
		Key:        "00112233445566778899aabbccddeeff00112233445566778899aabbccddee",
		Includes:   []string{"/home/user"},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, 17, cfg.CompressionLevel)
	assert.EqualValues(t, 50_000_000, cfg.MinArchiveLen)
	assert.EqualValues(t, 10_000_000, cfg.MaxManifestLen)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.NotZero(t, cfg.NumThreads)
	assert.NotEmpty(t, cfg.ScratchDir)
	assert.Equal(t, "coldpack.db", cfg.ManifestPath)
}

func TestKeyBytesDecodesHex(t *testing.T) {
	cfg := validConfig()
	key, err := cfg.KeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestSaveConfigWritesRestrictedMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coldpack.yaml")
	require.NoError(t, SaveConfig(validConfig(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bucket", loaded.BucketName)
}
