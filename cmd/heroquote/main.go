package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "heroquote",
		Short:        "HeroQuote - market data replies for hero mentions",
		Long:         "Answers mentions of the bot account with marketplace data for the hero they name",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override")

	rootCmd.AddCommand(
		runCmd(),
		daemonCmd(),
		statsCmd(),
		resetCmd(),
		syncCmd(),
		cursorCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
