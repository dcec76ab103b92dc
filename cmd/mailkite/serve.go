package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailkite/mailkite/internal/app"
	"github.com/mailkite/mailkite/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign server",
	Long:  `Start the HTTP API, the tracking endpoints and the campaign scheduler.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path, err := loadConfig()
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path, err := loadConfig()
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Base URL: %s\n", cfg.Server.BaseURL)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Journal: %s\n", cfg.Journal.Path)
	fmt.Printf("  Transport: %s\n", cfg.Transport.BaseURL)

	return nil
}
