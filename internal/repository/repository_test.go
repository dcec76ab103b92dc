package repository

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/mailkite/mailkite/internal/db"
	"github.com/mailkite/mailkite/internal/models"
)

// setupTestDB creates a file-backed SQLite database with all migrations
// applied. A file (not :memory:) so the connection pool sees one database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return database.DB
}

func seedContact(t *testing.T, contacts *ContactRepository, email, country, city string) *models.Contact {
	t.Helper()
	c := &models.Contact{Email: email, Name: "Test " + email, Country: country, City: city}
	if err := contacts.Create(c); err != nil {
		t.Fatalf("failed to seed contact %s: %v", email, err)
	}
	return c
}

func seedCampaign(t *testing.T, campaigns *CampaignRepository, ab *models.ABTestConfig) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:      "Spring sale",
		Subject:   "Big savings inside",
		FromEmail: "news@example.com",
		FromName:  "Example News",
		BodyHTML:  "<p>hello</p>",
		Audience:  models.Audience{Kind: models.AudienceAll},
		Status:    models.CampaignStatusDraft,
		ABTest:    ab,
	}
	var variants []models.Variant
	if ab != nil {
		variants = []models.Variant{
			{Label: models.VariantA, SubjectOverride: "Subject A"},
			{Label: models.VariantB, SubjectOverride: "Subject B"},
		}
	}
	if err := campaigns.Create(c, variants); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
	return c
}
