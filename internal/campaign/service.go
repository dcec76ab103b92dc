// Package campaign is the control plane: create campaigns, start sends,
// cancel test windows and read stats.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mailkite/mailkite/internal/abtest"
	"github.com/mailkite/mailkite/internal/assign"
	"github.com/mailkite/mailkite/internal/dispatch"
	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/stats"
)

var (
	// ErrNotFound mirrors the repository sentinel for API callers.
	ErrNotFound = repository.ErrNotFound

	// ErrNotTesting means cancel was requested outside an active test window.
	ErrNotTesting = errors.New("campaign: no test window to cancel")
)

// ValidationError carries a user-facing message for a rejected campaign.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type Service struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	assigner   *assign.Assigner
	dispatcher *dispatch.Dispatcher
	coord      *abtest.Coordinator
	aggregator *stats.Aggregator
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewService(campaigns *repository.CampaignRepository, recipients *repository.RecipientRepository,
	assigner *assign.Assigner, dispatcher *dispatch.Dispatcher, coord *abtest.Coordinator,
	aggregator *stats.Aggregator, logger *slog.Logger) *Service {
	return &Service{
		campaigns:  campaigns,
		recipients: recipients,
		assigner:   assigner,
		dispatcher: dispatcher,
		coord:      coord,
		aggregator: aggregator,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("component", "campaign_service"),
	}
}

// CreateInput is the campaign creation request.
type CreateInput struct {
	Name      string `json:"name" validate:"required"`
	Subject   string `json:"subject" validate:"required"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name"`
	ReplyTo   string `json:"reply_to" validate:"omitempty,email"`
	BodyHTML  string `json:"body_html" validate:"required"`

	Audience    models.Audience      `json:"audience" validate:"required"`
	ScheduledAt *time.Time           `json:"scheduled_at"`
	ABTest      *models.ABTestConfig `json:"ab_test"`
	Variants    []models.Variant     `json:"variants"`
}

// Create validates and persists a new campaign. With a scheduled_at in the
// future the campaign lands in scheduled and the scheduler starts it; without
// one it stays draft until an explicit send. Out-of-range A/B parameters are
// rejected outright, never clamped.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*models.Campaign, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, invalid("invalid campaign: %v", err)
	}
	if in.Audience.Kind == models.AudienceList && in.Audience.ListID == "" {
		return nil, invalid("audience kind list requires list_id")
	}
	if in.ScheduledAt != nil && !in.ScheduledAt.After(time.Now()) {
		return nil, invalid("scheduled_at must be in the future")
	}
	if err := s.validateABTest(in); err != nil {
		return nil, err
	}

	c := &models.Campaign{
		Name:        in.Name,
		Subject:     in.Subject,
		FromEmail:   in.FromEmail,
		FromName:    in.FromName,
		ReplyTo:     in.ReplyTo,
		BodyHTML:    in.BodyHTML,
		Audience:    in.Audience,
		ScheduledAt: in.ScheduledAt,
		Status:      models.CampaignStatusDraft,
	}
	if in.ABTest != nil && in.ABTest.Enabled {
		c.ABTest = in.ABTest
	}
	if in.ScheduledAt != nil {
		c.Status = models.CampaignStatusScheduled
	}

	if err := s.campaigns.Create(c, in.Variants); err != nil {
		return nil, fmt.Errorf("creating campaign: %w", err)
	}
	s.logger.Info("campaign created", "campaign_id", c.ID, "name", c.Name, "status", c.Status,
		"ab_test", c.ABTest != nil)
	return c, nil
}

// validateABTest checks the split-test configuration against its variants.
// Each variant must override the part of the email the test dimension
// compares; an override outside the dimension is pointless and rejected.
func (s *Service) validateABTest(in *CreateInput) error {
	if in.ABTest == nil || !in.ABTest.Enabled {
		if len(in.Variants) > 0 {
			return invalid("variants given without an enabled ab_test")
		}
		return nil
	}

	if err := s.validate.Struct(in.ABTest); err != nil {
		return invalid("invalid ab_test: %v", err)
	}

	labels := map[string]bool{}
	for _, v := range in.Variants {
		labels[v.Label] = true
	}
	if len(in.Variants) != 2 || !labels[models.VariantA] || !labels[models.VariantB] {
		return invalid("ab_test requires exactly variants A and B")
	}

	for _, v := range in.Variants {
		switch in.ABTest.Dimension {
		case models.TestDimensionSubject:
			if v.SubjectOverride == "" {
				return invalid("variant %s must override the subject", v.Label)
			}
			if v.BodyOverride != "" {
				return invalid("variant %s overrides the body but the test dimension is subject", v.Label)
			}
		case models.TestDimensionContent:
			if v.BodyOverride == "" {
				return invalid("variant %s must override the body", v.Label)
			}
			if v.SubjectOverride != "" {
				return invalid("variant %s overrides the subject but the test dimension is content", v.Label)
			}
		case models.TestDimensionBoth:
			if v.SubjectOverride == "" && v.BodyOverride == "" {
				return invalid("variant %s must override the subject or the body", v.Label)
			}
		}
	}
	return nil
}

// Get returns a campaign with its variants populated onto the return values.
func (s *Service) Get(ctx context.Context, id string) (*models.Campaign, []models.Variant, error) {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return nil, nil, err
	}
	variants, err := s.campaigns.GetVariants(id)
	if err != nil {
		return nil, nil, err
	}
	return c, variants, nil
}

// StartSend begins delivery for a campaign. For an A/B campaign this sends
// the test sample and opens the test window; for a plain campaign it sends to
// the whole audience and completes. Calling it on a campaign already underway
// or finished is a no-op. An empty audience or an unreachable transport fails
// the campaign.
func (s *Service) StartSend(ctx context.Context, id string) error {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return err
	}

	switch c.Status {
	case models.CampaignStatusDraft, models.CampaignStatusScheduled:
	default:
		s.logger.Info("send already underway", "campaign_id", id, "status", c.Status)
		return nil
	}

	if c.ABTest != nil && c.ABTest.Enabled {
		_, err = s.coord.StartTest(ctx, c)
	} else {
		err = s.sendAll(ctx, c)
	}

	switch {
	case errors.Is(err, assign.ErrEmptyAudience):
		s.fail(c.ID, "audience resolved to zero contacts")
		return err
	case errors.Is(err, dispatch.ErrTransportUnavailable):
		s.fail(c.ID, "transport unavailable")
		return err
	}
	return err
}

func (s *Service) fail(id, reason string) {
	if err := s.campaigns.MarkFailed(id, reason); err != nil {
		s.logger.Error("failed to mark campaign failed", "campaign_id", id, "error", err)
	}
	s.logger.Warn("campaign failed", "campaign_id", id, "reason", reason)
}

// sendAll runs a non-A/B campaign start to finish.
func (s *Service) sendAll(ctx context.Context, c *models.Campaign) error {
	recipients, err := s.assigner.Assign(ctx, c)
	if errors.Is(err, assign.ErrAlreadyAssigned) {
		recipients, err = s.recipients.ListByCampaign(c.ID, "", models.RecipientStatusPending)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	if err := s.campaigns.MarkStarted(c.ID, c.Status, models.CampaignStatusSending, now); err != nil {
		return fmt.Errorf("moving campaign to sending: %w", err)
	}
	c.Status = models.CampaignStatusSending

	subject, body := c.EffectiveContent(nil)
	content := map[string]dispatch.Content{
		models.VariantNone: {Subject: subject, HTML: body},
	}
	if _, err := s.dispatcher.Dispatch(ctx, c, recipients, content); err != nil {
		return err
	}

	if err := s.campaigns.MarkCompleted(c.ID, models.CampaignStatusSending, time.Now()); err != nil {
		return fmt.Errorf("completing campaign: %w", err)
	}
	c.Status = models.CampaignStatusCompleted
	return nil
}

// CancelTest cuts an active test window short: the winner is picked from the
// engagement collected so far and the final wave goes out immediately.
func (s *Service) CancelTest(ctx context.Context, id string) error {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignStatusTesting {
		return ErrNotTesting
	}
	s.logger.Info("test window cancelled", "campaign_id", id, "phase", c.ABPhase)
	return s.coord.Conclude(ctx, c)
}

// StatsView is the stats read model: campaign totals, per-variant breakdowns
// for A/B campaigns and the winner once decided.
type StatsView struct {
	Campaign *models.Stats   `json:"campaign"`
	Variants []*models.Stats `json:"variants,omitempty"`
	Winner   string          `json:"winner,omitempty"`
}

// GetStats computes current engagement statistics. Stats remain queryable for
// completed campaigns; late opens and clicks keep counting.
func (s *Service) GetStats(ctx context.Context, id string) (*StatsView, error) {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}

	view := &StatsView{Winner: c.Winner}
	if view.Campaign, err = s.aggregator.Compute(id, ""); err != nil {
		return nil, err
	}
	if c.ABTest != nil && c.ABTest.Enabled {
		for _, label := range []string{models.VariantA, models.VariantB} {
			vs, err := s.aggregator.Compute(id, label)
			if err != nil {
				return nil, err
			}
			view.Variants = append(view.Variants, vs)
		}
	}
	return view, nil
}

// ExportCSV writes the per-recipient engagement export for a campaign.
func (s *Service) ExportCSV(ctx context.Context, id string, w io.Writer) error {
	if _, err := s.campaigns.GetByID(id); err != nil {
		return err
	}
	return s.aggregator.WriteCSV(w, id)
}
