package repository

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/models"
)

func seedRecipient(t *testing.T, recipients *RecipientRepository, campaignID, contactID, email, variant string) *models.Recipient {
	t.Helper()
	rec := models.Recipient{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		ContactID:  contactID,
		Email:      email,
		Variant:    variant,
		Token:      uuid.New().String(),
		Status:     models.RecipientStatusPending,
		CreatedAt:  time.Now(),
	}
	if err := recipients.BulkCreate([]models.Recipient{rec}); err != nil {
		t.Fatalf("failed to seed recipient %s: %v", email, err)
	}
	return &rec
}

func TestBulkCreateRejectsDuplicates(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)

	seedRecipient(t, recipients, c.ID, "contact-1", "a@example.com", "")

	dup := models.Recipient{
		ID:         uuid.New().String(),
		CampaignID: c.ID,
		ContactID:  "contact-1",
		Email:      "a@example.com",
		Token:      uuid.New().String(),
		Status:     models.RecipientStatusPending,
		CreatedAt:  time.Now(),
	}
	if err := recipients.BulkCreate([]models.Recipient{dup}); err == nil {
		t.Fatal("duplicate (campaign, contact) insert succeeded")
	}
}

func TestMarkSentIsIdempotentByStatus(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)
	rec := seedRecipient(t, recipients, c.ID, "contact-1", "a@example.com", "")

	if err := recipients.MarkSent(rec.ID, "prov-1", time.Now()); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	err := recipients.MarkSent(rec.ID, "prov-2", time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on second MarkSent, got %v", err)
	}

	got, err := recipients.GetByToken(rec.Token)
	if err != nil {
		t.Fatalf("GetByToken failed: %v", err)
	}
	if got.Status != models.RecipientStatusSent || got.ProviderMsgID != "prov-1" {
		t.Errorf("unexpected recipient: status=%s provider=%s", got.Status, got.ProviderMsgID)
	}
}

func TestRecordOpenFirstWriteWins(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)
	rec := seedRecipient(t, recipients, c.ID, "contact-1", "a@example.com", "")
	if err := recipients.MarkSent(rec.ID, "prov-1", time.Now()); err != nil {
		t.Fatal(err)
	}

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(2 * time.Hour)

	for _, at := range []time.Time{first, later, later} {
		if err := recipients.RecordOpen(rec.Token, at); err != nil {
			t.Fatalf("RecordOpen failed: %v", err)
		}
	}

	got, _ := recipients.GetByToken(rec.Token)
	if !got.Opened {
		t.Error("opened flag not set")
	}
	if got.OpenCount != 3 {
		t.Errorf("open_count = %d, want 3", got.OpenCount)
	}
	if got.FirstOpenAt == nil || !got.FirstOpenAt.Equal(first) {
		t.Errorf("first_open_at = %v, want %v", got.FirstOpenAt, first)
	}
}

func TestRecordOpenConcurrentDuplicates(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)
	rec := seedRecipient(t, recipients, c.ID, "contact-1", "a@example.com", "")
	if err := recipients.MarkSent(rec.ID, "prov-1", time.Now()); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recipients.RecordOpen(rec.Token, at); err != nil {
				t.Errorf("RecordOpen failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := recipients.GetByToken(rec.Token)
	if got.OpenCount != 8 || got.FirstOpenAt == nil || !got.FirstOpenAt.Equal(at) {
		t.Errorf("open_count=%d first_open_at=%v", got.OpenCount, got.FirstOpenAt)
	}
}

func TestRecordClickSetsOpened(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)
	rec := seedRecipient(t, recipients, c.ID, "contact-1", "a@example.com", "")
	if err := recipients.MarkSent(rec.ID, "prov-1", time.Now()); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if err := recipients.RecordClick(rec.Token, at); err != nil {
		t.Fatalf("RecordClick failed: %v", err)
	}

	got, _ := recipients.GetByToken(rec.Token)
	if !got.Clicked || !got.Opened {
		t.Errorf("clicked=%v opened=%v, want both true", got.Clicked, got.Opened)
	}
	if got.FirstClickAt == nil || !got.FirstClickAt.Equal(at) {
		t.Errorf("first_click_at = %v", got.FirstClickAt)
	}
	if got.OpenCount != 0 {
		t.Errorf("click bumped open_count to %d", got.OpenCount)
	}
}

func TestRecordBounceOnlyFromSent(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)

	pending := seedRecipient(t, recipients, c.ID, "contact-1", "a@example.com", "")
	sent := seedRecipient(t, recipients, c.ID, "contact-2", "b@example.com", "")
	if err := recipients.MarkSent(sent.ID, "prov-1", time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := recipients.RecordBounce(sent.Token, "mailbox full"); err != nil {
		t.Fatalf("bounce from sent failed: %v", err)
	}
	got, _ := recipients.GetByToken(sent.Token)
	if got.Status != models.RecipientStatusBounced || got.BounceReason != "mailbox full" {
		t.Errorf("unexpected state: %+v", got)
	}

	// Repeat bounce is a no-op, not an error.
	if err := recipients.RecordBounce(sent.Token, "again"); err != nil {
		t.Errorf("repeat bounce returned error: %v", err)
	}
	got, _ = recipients.GetByToken(sent.Token)
	if got.BounceReason != "mailbox full" {
		t.Errorf("repeat bounce overwrote reason: %q", got.BounceReason)
	}

	// A bounce for a pending recipient does not transition it.
	if err := recipients.RecordBounce(pending.Token, "nope"); err != nil {
		t.Errorf("bounce on pending returned error: %v", err)
	}
	got, _ = recipients.GetByToken(pending.Token)
	if got.Status != models.RecipientStatusPending {
		t.Errorf("pending recipient transitioned to %s", got.Status)
	}

	// Unknown tokens are reported.
	if err := recipients.RecordBounce("bogus", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordUnsubscribeNewlyVsRepeat(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)
	rec := seedRecipient(t, recipients, c.ID, "contact-1", "a@example.com", "")

	newly, err := recipients.RecordUnsubscribe(rec.Token, time.Now())
	if err != nil || !newly {
		t.Fatalf("first unsubscribe: newly=%v err=%v", newly, err)
	}
	newly, err = recipients.RecordUnsubscribe(rec.Token, time.Now())
	if err != nil || newly {
		t.Fatalf("repeat unsubscribe: newly=%v err=%v", newly, err)
	}

	_, err = recipients.RecordUnsubscribe("bogus", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCountsScopedByVariant(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	c := seedCampaign(t, campaigns, nil)

	a1 := seedRecipient(t, recipients, c.ID, "c1", "a1@example.com", models.VariantA)
	a2 := seedRecipient(t, recipients, c.ID, "c2", "a2@example.com", models.VariantA)
	b1 := seedRecipient(t, recipients, c.ID, "c3", "b1@example.com", models.VariantB)
	seedRecipient(t, recipients, c.ID, "c4", "b2@example.com", models.VariantB) // stays pending

	for _, rec := range []*models.Recipient{a1, a2, b1} {
		if err := recipients.MarkSent(rec.ID, "prov-"+rec.ID, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if err := recipients.RecordOpen(a1.Token, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := recipients.RecordBounce(b1.Token, "bad"); err != nil {
		t.Fatal(err)
	}

	stats, err := recipients.Counts(c.ID, models.VariantA)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if stats.Sent != 2 || stats.Opened != 1 {
		t.Errorf("variant A: sent=%d opened=%d", stats.Sent, stats.Opened)
	}

	stats, err = recipients.Counts(c.ID, models.VariantB)
	if err != nil {
		t.Fatal(err)
	}
	// A bounced message still counts as sent; the pending one does not.
	if stats.Sent != 1 || stats.Bounced != 1 {
		t.Errorf("variant B: sent=%d bounced=%d", stats.Sent, stats.Bounced)
	}

	all, err := recipients.Counts(c.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if all.Sent != 3 {
		t.Errorf("campaign-wide sent = %d, want 3", all.Sent)
	}
}

func TestExportRowsJoinContacts(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)
	contacts := NewContactRepository(database)

	c := seedCampaign(t, campaigns, nil)
	contact := seedContact(t, contacts, "a@example.com", "DE", "Berlin")
	rec := seedRecipient(t, recipients, c.ID, contact.ID, contact.Email, "")
	if err := recipients.MarkSent(rec.ID, "prov-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := recipients.RecordOpen(rec.Token, time.Now()); err != nil {
		t.Fatal(err)
	}

	rows, err := recipients.ExportRows(c.ID)
	if err != nil {
		t.Fatalf("ExportRows failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	row := rows[0]
	if !row.Sent || !row.Opened || row.Clicked || row.Unsubscribed {
		t.Errorf("unexpected flags: %+v", row)
	}
	if row.Country != "DE" || row.City != "Berlin" {
		t.Errorf("geo fields not joined: %+v", row)
	}
}
