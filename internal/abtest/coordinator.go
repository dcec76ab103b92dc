package abtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailkite/mailkite/internal/assign"
	"github.com/mailkite/mailkite/internal/dispatch"
	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/stats"
)

// Coordinator drives an A/B campaign through its phases. Each phase advance
// is a compare-and-set on the persisted phase column, so a scheduler tick and
// a manual cancel racing each other resolve to exactly one actor per phase,
// and a crashed run resumes from the phase it reached.
type Coordinator struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	assigner   *assign.Assigner
	dispatcher *dispatch.Dispatcher
	aggregator *stats.Aggregator
	logger     *slog.Logger
}

func NewCoordinator(campaigns *repository.CampaignRepository, recipients *repository.RecipientRepository,
	assigner *assign.Assigner, dispatcher *dispatch.Dispatcher, aggregator *stats.Aggregator,
	logger *slog.Logger) *Coordinator {
	return &Coordinator{
		campaigns:  campaigns,
		recipients: recipients,
		assigner:   assigner,
		dispatcher: dispatcher,
		aggregator: aggregator,
		logger:     logger.With("component", "abtest"),
	}
}

// StartTest materializes the test sample and dispatches it. The campaign
// moves to testing with the test window clock started. Safe to call again
// after a partial dispatch: existing assignment is reused and recipients
// already sent are skipped.
func (co *Coordinator) StartTest(ctx context.Context, c *models.Campaign) (*dispatch.Report, error) {
	if c.ABTest == nil || !c.ABTest.Enabled {
		return nil, fmt.Errorf("campaign %s has no A/B test configured", c.ID)
	}

	sample, err := co.assigner.Assign(ctx, c)
	if errors.Is(err, assign.ErrAlreadyAssigned) {
		sample, err = co.recipients.ListByCampaign(c.ID, "", models.RecipientStatusPending)
	}
	if err != nil {
		return nil, err
	}

	if c.Status != models.CampaignStatusTesting {
		if err := co.campaigns.Transition(c.ID, c.Status, models.CampaignStatusTesting); err != nil {
			return nil, fmt.Errorf("moving campaign to testing: %w", err)
		}
		c.Status = models.CampaignStatusTesting
	}
	if c.TestStartedAt == nil {
		now := time.Now()
		if err := co.campaigns.MarkTestStarted(c.ID, now); err != nil {
			return nil, fmt.Errorf("starting test window: %w", err)
		}
		c.TestStartedAt = &now
		c.ABPhase = models.ABPhaseTesting
	}

	variants, err := co.campaigns.GetVariants(c.ID)
	if err != nil {
		return nil, fmt.Errorf("loading variants: %w", err)
	}

	co.logger.Info("test wave starting",
		"campaign_id", c.ID,
		"sample", len(sample),
		"window", c.ABTest.Duration(),
	)
	return co.dispatcher.Dispatch(ctx, c, sample, contentByVariant(c, variants))
}

// Expired reports whether the campaign's test window has elapsed.
func (co *Coordinator) Expired(c *models.Campaign, now time.Time) bool {
	if c.ABTest == nil || c.TestStartedAt == nil {
		return false
	}
	return !now.Before(c.TestStartedAt.Add(c.ABTest.Duration()))
}

// Conclude runs the campaign from its current phase to completion: pick the
// winner, materialize the remainder, send it the winning content and mark the
// campaign completed. Called by the scheduler when the window expires and by
// the cancel operation to cut the window short. Losing a phase CAS means
// another actor owns the campaign; that is success, not an error.
func (co *Coordinator) Conclude(ctx context.Context, c *models.Campaign) error {
	for {
		switch c.ABPhase {
		case models.ABPhaseTesting:
			err := co.campaigns.AdvancePhase(c.ID, models.ABPhaseTesting, models.ABPhaseDeciding)
			if errors.Is(err, repository.ErrConflict) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("advancing to deciding: %w", err)
			}
			c.ABPhase = models.ABPhaseDeciding

		case models.ABPhaseDeciding:
			winner, err := co.decide(c)
			if err != nil {
				return err
			}
			err = co.campaigns.AdvancePhase(c.ID, models.ABPhaseDeciding, models.ABPhaseFinalizing)
			if errors.Is(err, repository.ErrConflict) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("advancing to finalizing: %w", err)
			}
			c.Winner = winner
			c.ABPhase = models.ABPhaseFinalizing

		case models.ABPhaseFinalizing:
			return co.finalize(ctx, c)

		default:
			return fmt.Errorf("campaign %s is not in an A/B phase", c.ID)
		}
	}
}

// decide computes per-variant stats and persists the winner. Re-running after
// a crash recomputes from the same recipient rows, so the result is stable.
func (co *Coordinator) decide(c *models.Campaign) (string, error) {
	sa, err := co.aggregator.Compute(c.ID, models.VariantA)
	if err != nil {
		return "", fmt.Errorf("computing variant A stats: %w", err)
	}
	sb, err := co.aggregator.Compute(c.ID, models.VariantB)
	if err != nil {
		return "", fmt.Errorf("computing variant B stats: %w", err)
	}

	winner := Winner(c.ABTest.Criterion, sa, sb)
	if err := co.campaigns.SetWinner(c.ID, winner); err != nil {
		return "", fmt.Errorf("persisting winner: %w", err)
	}

	co.logger.Info("winner selected",
		"campaign_id", c.ID,
		"winner", winner,
		"criterion", c.ABTest.Criterion,
		"rate_a", sa.Rate(c.ABTest.Criterion),
		"rate_b", sb.Rate(c.ABTest.Criterion),
	)
	return winner, nil
}

// finalize sends the final wave. The remainder rows are created here rather
// than at assignment, so contacts who unsubscribed during the test window
// never get a row, then every still-pending recipient is dispatched with the
// winner's content as the default. On transport failure the phase stays
// finalizing and the next scheduler tick retries.
func (co *Coordinator) finalize(ctx context.Context, c *models.Campaign) error {
	if c.Winner == "" {
		loaded, err := co.campaigns.GetByID(c.ID)
		if err != nil {
			return fmt.Errorf("reloading campaign: %w", err)
		}
		c.Winner = loaded.Winner
	}

	if _, err := co.assigner.AssignRemainder(ctx, c); err != nil {
		return fmt.Errorf("materializing remainder: %w", err)
	}

	pending, err := co.recipients.ListByCampaign(c.ID, "", models.RecipientStatusPending)
	if err != nil {
		return fmt.Errorf("loading pending recipients: %w", err)
	}

	variants, err := co.campaigns.GetVariants(c.ID)
	if err != nil {
		return fmt.Errorf("loading variants: %w", err)
	}
	content := contentByVariant(c, variants)
	content[models.VariantNone] = winnerContent(c, variants)

	if len(pending) > 0 {
		if _, err := co.dispatcher.Dispatch(ctx, c, pending, content); err != nil {
			return fmt.Errorf("dispatching final wave: %w", err)
		}
	}

	if err := co.campaigns.MarkCompleted(c.ID, models.CampaignStatusTesting, time.Now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return fmt.Errorf("completing campaign: %w", err)
	}
	c.Status = models.CampaignStatusCompleted
	c.ABPhase = models.ABPhaseNone

	co.logger.Info("campaign finalized", "campaign_id", c.ID, "winner", c.Winner, "final_wave", len(pending))
	return nil
}

// contentByVariant resolves the effective subject/body per variant label.
func contentByVariant(c *models.Campaign, variants []models.Variant) map[string]dispatch.Content {
	content := map[string]dispatch.Content{}
	subject, body := c.EffectiveContent(nil)
	content[models.VariantNone] = dispatch.Content{Subject: subject, HTML: body}
	for i := range variants {
		subject, body := c.EffectiveContent(&variants[i])
		content[variants[i].Label] = dispatch.Content{Subject: subject, HTML: body}
	}
	return content
}

// winnerContent returns the winning variant's resolved content, falling back
// to the campaign defaults when the winner is unknown.
func winnerContent(c *models.Campaign, variants []models.Variant) dispatch.Content {
	for i := range variants {
		if variants[i].Label == c.Winner {
			subject, body := c.EffectiveContent(&variants[i])
			return dispatch.Content{Subject: subject, HTML: body}
		}
	}
	subject, body := c.EffectiveContent(nil)
	return dispatch.Content{Subject: subject, HTML: body}
}
