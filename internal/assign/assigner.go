// Package assign materializes the recipient set for a campaign and, for A/B
// campaigns, carves the deterministic test sample out of it.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
)

var (
	// ErrEmptyAudience means the audience resolved to zero contacts. The
	// caller must not proceed to send.
	ErrEmptyAudience = errors.New("assign: audience resolved to zero contacts")

	// ErrAlreadyAssigned means recipient rows were already materialized for
	// this campaign. Control-plane callers treat it as a no-op success.
	ErrAlreadyAssigned = errors.New("assign: recipients already materialized")
)

type Assigner struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	contacts   *repository.ContactRepository
	logger     *slog.Logger
}

func New(campaigns *repository.CampaignRepository, recipients *repository.RecipientRepository,
	contacts *repository.ContactRepository, logger *slog.Logger) *Assigner {
	return &Assigner{
		campaigns:  campaigns,
		recipients: recipients,
		contacts:   contacts,
		logger:     logger.With("component", "assigner"),
	}
}

// Assign resolves the campaign audience and creates recipient rows exactly
// once. Without A/B config every recipient gets no variant. With A/B config
// only the test sample is materialized here; the remainder is created at
// finalization so a cancelled campaign leaves no stale rows.
//
// The split is floor(len(audience) * percentage / 100) test recipients,
// half to A and half to B with any odd remainder going to A. The audience
// arrives ordered by contact id, so the same audience and percentage always
// produce the same assignment.
func (a *Assigner) Assign(ctx context.Context, campaign *models.Campaign) ([]models.Recipient, error) {
	exists, err := a.recipients.ExistsForCampaign(campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("checking existing recipients: %w", err)
	}
	if exists || campaign.AssignedAt != nil {
		return nil, ErrAlreadyAssigned
	}

	audience, err := a.contacts.ResolveAudience(campaign.Audience)
	if err != nil {
		return nil, fmt.Errorf("resolving audience: %w", err)
	}
	if len(audience) == 0 {
		return nil, ErrEmptyAudience
	}

	var recipients []models.Recipient
	if campaign.ABTest == nil {
		recipients = buildRecipients(campaign.ID, audience, models.VariantNone)
	} else {
		testCount := len(audience) * campaign.ABTest.Percentage / 100
		bCount := testCount / 2
		aCount := testCount - bCount // odd remainder goes to A

		recipients = buildRecipients(campaign.ID, audience[:aCount], models.VariantA)
		recipients = append(recipients,
			buildRecipients(campaign.ID, audience[aCount:aCount+bCount], models.VariantB)...)

		a.logger.Info("test sample assigned",
			"campaign_id", campaign.ID,
			"audience", len(audience),
			"variant_a", aCount,
			"variant_b", bCount,
		)
	}

	if err := a.recipients.BulkCreate(recipients); err != nil {
		return nil, fmt.Errorf("materializing recipients: %w", err)
	}
	now := time.Now()
	if err := a.campaigns.MarkAssigned(campaign.ID, now); err != nil {
		return nil, fmt.Errorf("marking campaign assigned: %w", err)
	}
	campaign.AssignedAt = &now

	return recipients, nil
}

// AssignRemainder materializes the recipients deferred at assignment: the
// audience minus everyone who already holds a row for this campaign. The
// audience is re-resolved, so contacts who unsubscribed during the test
// window are excluded from the final wave. Remainder recipients carry no
// variant label; they receive the winner's content, not its identity.
func (a *Assigner) AssignRemainder(ctx context.Context, campaign *models.Campaign) ([]models.Recipient, error) {
	audience, err := a.contacts.ResolveAudience(campaign.Audience)
	if err != nil {
		return nil, fmt.Errorf("resolving audience: %w", err)
	}

	existing, err := a.recipients.ContactIDsForCampaign(campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("loading existing recipients: %w", err)
	}

	var remainder []models.Contact
	for _, c := range audience {
		if !existing[c.ID] {
			remainder = append(remainder, c)
		}
	}
	if len(remainder) == 0 {
		return nil, nil
	}

	recipients := buildRecipients(campaign.ID, remainder, models.VariantNone)
	if err := a.recipients.BulkCreate(recipients); err != nil {
		return nil, fmt.Errorf("materializing remainder: %w", err)
	}

	a.logger.Info("remainder assigned", "campaign_id", campaign.ID, "count", len(recipients))
	return recipients, nil
}

func buildRecipients(campaignID string, contacts []models.Contact, variant string) []models.Recipient {
	now := time.Now()
	recipients := make([]models.Recipient, 0, len(contacts))
	for _, c := range contacts {
		recipients = append(recipients, models.Recipient{
			ID:         uuid.New().String(),
			CampaignID: campaignID,
			ContactID:  c.ID,
			Email:      c.Email,
			Name:       c.Name,
			Variant:    variant,
			Token:      uuid.New().String(),
			Status:     models.RecipientStatusPending,
			CreatedAt:  now,
		})
	}
	return recipients
}
