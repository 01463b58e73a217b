// Package commands implements the coldpack CLI commands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile      string
	manifestFlag string
)

var rootCmd = &cobra.Command{
	Use:   "coldpack",
	Short: "Deduplicating, encrypted, incremental backups",
	Long: `coldpack splits file trees into content-defined, deduplicated blocks,
packs and encrypts them into archives uploaded to a remote blob store, and
tracks everything in a local manifest database.

Use "coldpack [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: ./coldpack.yaml)")
	rootCmd.PersistentFlags().StringVar(&manifestFlag, "manifest", "", "path to the manifest database (overrides the config file)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(collectSmallArchivesCmd)
	rootCmd.AddCommand(collectSmallPatchsetsCmd)
	rootCmd.AddCommand(restoreManifestCmd)
	rootCmd.AddCommand(listFilesCmd)
	rootCmd.AddCommand(restoreFilesCmd)
	rootCmd.AddCommand(purgeStorageCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("coldpack %s (commit: %s, built: %s)\n", Version, Commit, Date)
		return nil
	},
}
