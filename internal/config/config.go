// Package config loads the coldpack configuration file: the B2 bucket
// credentials, the manifest encryption key, include/exclude lists, and
// the archive/patchset size and compaction knobs from spec §6. It
// follows the teacher's pkg/config layering: viper for file/env
// precedence, mapstructure decode hooks for human-friendly scalars, and
// go-playground/validator for field-level validation.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root of a coldpack configuration file (spec §6).
type Config struct {
	// AppKeyID and AppKey are the B2 application key pair used to
	// authenticate the S3-compatible BlobStore.
	AppKeyID string `mapstructure:"app_key_id" validate:"required" yaml:"app_key_id"`
	AppKey   string `mapstructure:"app_key" validate:"required" yaml:"app_key"`

	// BucketID and BucketName identify the destination bucket.
	BucketID   string `mapstructure:"bucket_id" validate:"required" yaml:"bucket_id"`
	BucketName string `mapstructure:"bucket_name" validate:"required" yaml:"bucket_name"`

	// Endpoint is the B2 S3-compatible endpoint
	// (e.g. "https://s3.us-west-002.backblazeb2.com"); Region is the
	// matching region code. Both are optional: a blank Endpoint leaves
	// the AWS SDK's default resolver in charge.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`

	// Key is the 64-character hex encoding of the 32-byte manifest
	// encryption key (spec §4.2's pack codec key).
	Key string `mapstructure:"key" validate:"required,len=64,hexadecimal" yaml:"key"`

	// Includes lists the backup roots; Excludes lists path prefixes to
	// skip during traversal (spec §6).
	Includes []string `mapstructure:"includes" validate:"required,min=1" yaml:"includes"`
	Excludes []string `mapstructure:"excludes" yaml:"excludes,omitempty"`

	// KeepDeletedFiles disables end-of-session garbage collection.
	KeepDeletedFiles bool `mapstructure:"keep_deleted_files" yaml:"keep_deleted_files"`

	// NumThreads sizes the walker's worker pool; zero means hardware
	// parallelism (spec §6).
	NumThreads int `mapstructure:"num_threads" validate:"gte=0" yaml:"num_threads"`

	// CompressionLevel is the zstd level applied to every pack (spec
	// §4.2).
	CompressionLevel int `mapstructure:"compression_level" validate:"gte=1,lte=22" yaml:"compression_level"`

	// MinArchiveLen is the uncompressed byte threshold that triggers an
	// archive rollover (spec §4.5).
	MinArchiveLen uint64 `mapstructure:"min_archive_len" validate:"gt=0" yaml:"min_archive_len"`

	// MaxManifestLen bounds the cumulative blob length of a
	// small-patchset-tail compaction batch (spec §4.8).
	MaxManifestLen uint64 `mapstructure:"max_manifest_len" validate:"gt=0" yaml:"max_manifest_len"`

	// SmallArchivesUpperLimit/SmallArchivesLowerLimit and
	// SmallPatchsetsLimit drive the `--maybe-collect` hysteresis (spec
	// §4.8). Zero disables the corresponding check.
	SmallArchivesUpperLimit int `mapstructure:"small_archives_upper_limit" validate:"gte=0" yaml:"small_archives_upper_limit"`
	SmallArchivesLowerLimit int `mapstructure:"small_archives_lower_limit" validate:"gte=0" yaml:"small_archives_lower_limit"`
	SmallPatchsetsLimit     int `mapstructure:"small_patchsets_limit" validate:"gte=0" yaml:"small_patchsets_limit"`

	// ScratchDir holds in-flight archive and restore scratch files.
	ScratchDir string `mapstructure:"scratch_dir" validate:"required" yaml:"scratch_dir"`

	// ManifestPath is the local SQLite manifest database file.
	ManifestPath string `mapstructure:"manifest_path" validate:"required" yaml:"manifest_path"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LoggingConfig controls logging behavior, mirrored from the teacher's
// pkg/config.LoggingConfig.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// KeyBytes decodes Key into the raw 32-byte manifest encryption key.
func (c *Config) KeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("config: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Load reads configuration from configPath (or the default location if
// empty), forces a found config file to mode 0600, applies environment
// overrides under the COLDPACK_ prefix, fills in defaults, and validates
// the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if found {
		if err := os.Chmod(v.ConfigFileUsed(), 0600); err != nil {
			return nil, fmt.Errorf("config: chmod %q: %w", v.ConfigFileUsed(), err)
		}
		if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		))); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills in any unspecified configuration fields with the
// spec §6 defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 17
	}
	if cfg.MinArchiveLen == 0 {
		cfg.MinArchiveLen = 50_000_000
	}
	if cfg.MaxManifestLen == 0 {
		cfg.MaxManifestLen = 10_000_000
	}
	if cfg.NumThreads == 0 {
		cfg.NumThreads = runtime.GOMAXPROCS(0)
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "coldpack-scratch")
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "coldpack.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// Validate runs struct-tag validation over cfg via go-playground/validator.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// SaveConfig writes cfg to path in YAML form with owner-only permissions,
// since it holds the manifest encryption key and B2 credentials.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("COLDPACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("coldpack")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read: %w", err)
	}
	return true, nil
}
