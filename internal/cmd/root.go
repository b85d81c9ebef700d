package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/lfslock/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "lfslock",
	Short: "Keep git-lfs locks and working tree status in sync",
	Long: `lfslock mirrors the git-lfs lock set of a repository, tracks which
paths have local modifications, and prevents local edits to files
that another user holds a lock on.

Run 'lfslock watch' to keep everything in sync while you work, or use
the one-shot commands to lock, unlock, inspect or revert paths.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/lfslock/config.yaml)")
	rootCmd.PersistentFlags().StringP("user", "u", "", "git-lfs lock owner name of the local user")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("user.name", rootCmd.PersistentFlags().Lookup("user"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/lfslock")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LFSLOCK")
	// e.g. LFSLOCK_POLL_INTERVAL_MS for poll.interval_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
