package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coldpack/coldpack/internal/logger"
	"github.com/coldpack/coldpack/pkg/walker"
)

var maybeCollect bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the configured include roots",
	Long: `Walk every configured include root, admit its content into the
manifest, and upload any sealed archives and the session's change-set
patchset.

An interrupt (Ctrl-C) does not lose progress: the current session commits
whatever it has safely accumulated so far instead of rolling back.`,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().BoolVar(&maybeCollect, "maybe-collect", false, "run auto-compaction hysteresis after a successful backup")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, cfg, err := openManifest(ctx)
	if err != nil {
		return err
	}
	ctx, stop := withInterruptHandling(ctx, m)
	defer stop()

	session, err := m.BeginBackup(ctx)
	if err != nil {
		return fmt.Errorf("begin backup: %w", err)
	}

	w := walker.New(session, cfg.Excludes, cfg.NumThreads, m.Interrupted)
	if err := w.Walk(ctx, cfg.Includes); err != nil {
		session.Abort()
		return fmt.Errorf("walk: %w", err)
	}

	if err := session.CommitBackup(ctx); err != nil {
		return fmt.Errorf("commit backup: %w", err)
	}
	logger.Info("backup complete")

	if maybeCollect {
		if err := m.MaybeCollect(context.Background()); err != nil {
			return fmt.Errorf("maybe-collect: %w", err)
		}
	}
	return nil
}
