package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ironkeep",
	Short: "IronKeep manages the master password of a secret store",
	Long: `Provision, load and rotate the master password protecting every stored secret.
Complete documentation is available at https://github.com/jmcleod/ironkeep`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "ironkeep.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().String("backend", "", "storage backend: memory, bbolt, sqlite or postgres")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory for bbolt and sqlite")
	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().String("epoch-cache-path", "", "rollback watermark file, kept outside the data directory")
	rootCmd.PersistentFlags().String("kdf-profile", "", "argon2id profile: interactive, moderate or sensitive")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
}
