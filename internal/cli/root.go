// Package cli is Squadron's command-line entrypoint: a cobra root
// command binding a config file and SQUADRON_-prefixed environment
// variables via viper, with serve/recover/version subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nbaertsch/squadron/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "squadron",
	Short: "Squadron - GitHub-native orchestration for AI coding agents",
	Long: `Squadron watches a GitHub repository's issues and pull requests and
drives a fleet of AI coding agents through them: spawning an agent when
work is assigned, putting it to sleep on a blocker, waking it when the
blocker clears, and escalating to a human when it can't make progress.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./squadron.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName("squadron")
	}

	viper.SetEnvPrefix("SQUADRON")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
