package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/db"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/stats"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <campaign-id>",
	Short: "Export per-recipient campaign results as CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	path, err := loadConfig()
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	campaignID := args[0]
	campaigns := repository.NewCampaignRepository(database.DB)
	if _, err := campaigns.GetByID(campaignID); err != nil {
		return fmt.Errorf("campaign %s: %w", campaignID, err)
	}

	out := os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	aggregator := stats.NewAggregator(repository.NewRecipientRepository(database.DB))
	return aggregator.WriteCSV(out, campaignID)
}
