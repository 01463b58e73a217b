package commands

import (
	"github.com/spf13/cobra"

	"github.com/coldpack/coldpack/internal/logger"
)

var collectSmallArchivesCmd = &cobra.Command{
	Use:   "collect-small-archives",
	Short: "Migrate blocks out of undersized archives into one fresh archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, _, err := openManifest(ctx)
		if err != nil {
			return err
		}
		migrated, err := m.CollectSmallArchives(ctx)
		if err != nil {
			return err
		}
		logger.Info("collect-small-archives complete", logger.Count(migrated))
		return nil
	},
}

var collectSmallPatchsetsCmd = &cobra.Command{
	Use:   "collect-small-patchsets",
	Short: "Merge the tail of undersized patchsets into one new patchset",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, _, err := openManifest(ctx)
		if err != nil {
			return err
		}
		compacted, err := m.CollectSmallPatchsets(ctx)
		if err != nil {
			return err
		}
		logger.Info("collect-small-patchsets complete", logger.Count(compacted))
		return nil
	},
}
