package commands

import (
	"github.com/spf13/cobra"

	"github.com/coldpack/coldpack/internal/logger"
)

var restoreTargetDir string

var restoreFilesCmd = &cobra.Command{
	Use:   "restore-files [filter]",
	Short: "Restore files, directories, and symlinks matching a glob filter",
	Long: `Restore every manifest entry whose path matches filter (a SQLite GLOB
pattern; omit to restore everything) into --target-dir. Each archive
referenced by a matching file is downloaded and decompressed at most
once.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestoreFiles,
}

func init() {
	restoreFilesCmd.Flags().StringVar(&restoreTargetDir, "target-dir", ".", "directory to restore files into")
}

func runRestoreFiles(cmd *cobra.Command, args []string) error {
	var filter string
	if len(args) == 1 {
		filter = args[0]
	}

	ctx := cmd.Context()
	m, _, err := openManifest(ctx)
	if err != nil {
		return err
	}
	ctx, stop := withInterruptHandling(ctx, m)
	defer stop()

	if err := m.RestoreFiles(ctx, filter, restoreTargetDir); err != nil {
		return err
	}
	logger.Info("restore-files complete", logger.Path(restoreTargetDir))
	return nil
}
