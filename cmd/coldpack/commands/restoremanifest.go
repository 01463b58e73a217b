package commands

import (
	"github.com/spf13/cobra"

	"github.com/coldpack/coldpack/internal/logger"
)

var restoreManifestCmd = &cobra.Command{
	Use:   "restore-manifest",
	Short: "Rebuild the local manifest from the remote patchset blobs",
	Long: `Truncate every local manifest table and replay each patchset blob in
the remote store in ascending id order. Use this to recover a manifest
database lost or corrupted on the local machine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, _, err := openManifest(ctx)
		if err != nil {
			return err
		}
		if err := m.RestoreManifest(ctx); err != nil {
			return err
		}
		logger.Info("manifest restored")
		return nil
	},
}
