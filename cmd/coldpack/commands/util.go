package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldpack/coldpack/internal/config"
	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/blobstore"
	"github.com/coldpack/coldpack/pkg/blobstore/b2"
	"github.com/coldpack/coldpack/pkg/manifest"
)

// loadConfig reads the coldpack config file and initializes the
// structured logger from its Logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// openManifest loads the config, dials the remote blob store, and opens
// the local manifest bound to it.
func openManifest(ctx context.Context) (*manifest.Manifest, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := b2.New(ctx, b2.Config{
		AppKeyID:   cfg.AppKeyID,
		AppKey:     cfg.AppKey,
		BucketID:   cfg.BucketID,
		BucketName: cfg.BucketName,
		Endpoint:   cfg.Endpoint,
		Region:     cfg.Region,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}

	key, err := cfg.KeyBytes()
	if err != nil {
		return nil, nil, err
	}

	path := cfg.ManifestPath
	if manifestFlag != "" {
		path = manifestFlag
	}

	m, err := manifest.Open(path, store, manifest.Config{
		Key:                     key,
		CompressionLevel:        cfg.CompressionLevel,
		MinArchiveLen:           cfg.MinArchiveLen,
		MaxManifestLen:          cfg.MaxManifestLen,
		KeepDeletedFiles:        cfg.KeepDeletedFiles,
		SmallArchivesUpperLimit: cfg.SmallArchivesUpperLimit,
		SmallArchivesLowerLimit: cfg.SmallArchivesLowerLimit,
		SmallPatchsetsLimit:     cfg.SmallPatchsetsLimit,
		ScratchDir:              cfg.ScratchDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open manifest: %w", err)
	}
	return m, cfg, nil
}

// withInterruptHandling arms SIGINT/SIGTERM to set m's interrupted flag
// rather than cancel ctx: per spec §5, "the interrupted signal is not an
// error", and the session must keep running so it can commit whatever it
// safely accumulated. Canceling in-flight blob uploads would instead turn
// a graceful stop into a failed commit.
func withInterruptHandling(ctx context.Context, m *manifest.Manifest) (context.Context, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
			logger.Warn("interrupt received, finishing current session safely")
			m.Interrupt()
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
	}
}

var _ blobstore.Store = (*b2.Store)(nil)
