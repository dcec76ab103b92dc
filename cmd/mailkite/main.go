package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailkite",
	Short: "Mailkite - bulk email campaign server",
	Long:  `Mailkite runs bulk email campaigns with A/B subject and content testing, engagement tracking and per-campaign statistics.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailkite version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd, migrateCmd, exportCmd, configCmd, versionCmd)
}

func loadConfig() (string, error) {
	if cfgFile == "" {
		return "", fmt.Errorf("config file is required (use -c flag)")
	}
	return cfgFile, nil
}
