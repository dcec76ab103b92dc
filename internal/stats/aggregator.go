// Package stats computes engagement statistics and produces the per-recipient
// CSV export.
package stats

import (
	"fmt"

	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
)

// Aggregator derives campaign and per-variant statistics from recipient
// counts. Rates use the sent count as denominator (bounced messages were
// accepted by the provider, so they count as sent), except click-to-open
// which is clicked over opened.
type Aggregator struct {
	recipients *repository.RecipientRepository
}

func NewAggregator(recipients *repository.RecipientRepository) *Aggregator {
	return &Aggregator{recipients: recipients}
}

// Compute returns stats for the whole campaign, or a single variant when
// variant is non-empty. Every rate is 0 when its denominator is 0.
func (a *Aggregator) Compute(campaignID, variant string) (*models.Stats, error) {
	s, err := a.recipients.Counts(campaignID, variant)
	if err != nil {
		return nil, fmt.Errorf("counting recipients: %w", err)
	}

	s.OpenRate = ratio(s.Opened, s.Sent)
	s.ClickRate = ratio(s.Clicked, s.Sent)
	s.ClickToOpenRate = ratio(s.Clicked, s.Opened)
	s.UnsubscribeRate = ratio(s.Unsubscribed, s.Sent)
	return s, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
