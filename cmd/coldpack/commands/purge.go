package commands

import (
	"github.com/spf13/cobra"

	"github.com/coldpack/coldpack/internal/logger"
)

var purgeStorageCmd = &cobra.Command{
	Use:   "purge-storage",
	Short: "Remove remote blobs with no matching manifest row",
	Long: `Reconcile the remote blob store after a session that uploaded an
archive or patchset blob but was interrupted before its row could be
committed: every archive_* or manifest_* blob whose id is absent from the
local manifest is deleted remotely.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, _, err := openManifest(ctx)
		if err != nil {
			return err
		}
		if err := m.PurgeStorage(ctx); err != nil {
			return err
		}
		logger.Info("purge-storage complete")
		return nil
	},
}
