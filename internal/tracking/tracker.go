// Package tracking ingests engagement events: opens from the pixel, clicks
// from the redirect, unsubscribes from the footer link and bounces from the
// provider webhook. Every operation is idempotent; duplicate and out-of-order
// delivery produce the same recipient state.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailkite/mailkite/internal/metrics"
	"github.com/mailkite/mailkite/internal/repository"
)

// ErrUnknownToken means the event referenced a token no recipient carries.
// The ingestion path logs and drops it; it never surfaces to the caller of a
// tracking endpoint.
var ErrUnknownToken = errors.New("tracking: unknown token")

type Tracker struct {
	recipients *repository.RecipientRepository
	contacts   *repository.ContactRepository
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewTracker(recipients *repository.RecipientRepository, contacts *repository.ContactRepository,
	m *metrics.Metrics, logger *slog.Logger) *Tracker {
	return &Tracker{
		recipients: recipients,
		contacts:   contacts,
		metrics:    m,
		logger:     logger.With("component", "tracker"),
	}
}

// RecordOpen marks the recipient opened. The first call fixes firstOpenAt;
// repeats only bump the open counter.
func (t *Tracker) RecordOpen(ctx context.Context, token string, at time.Time) error {
	err := t.recipients.RecordOpen(token, at)
	if errors.Is(err, repository.ErrNotFound) {
		t.metrics.IncUnknownToken()
		t.logger.Warn("open event for unknown token", "token", token)
		return ErrUnknownToken
	}
	if err != nil {
		return fmt.Errorf("recording open: %w", err)
	}
	t.metrics.IncOpen()
	return nil
}

// RecordClick marks the recipient clicked, setting opened as a side effect:
// a click proves at least one render even when the pixel was blocked.
func (t *Tracker) RecordClick(ctx context.Context, token string, at time.Time) error {
	err := t.recipients.RecordClick(token, at)
	if errors.Is(err, repository.ErrNotFound) {
		t.metrics.IncUnknownToken()
		t.logger.Warn("click event for unknown token", "token", token)
		return ErrUnknownToken
	}
	if err != nil {
		return fmt.Errorf("recording click: %w", err)
	}
	t.metrics.IncClick()
	return nil
}

// RecordBounce transitions a sent recipient to bounced. Bounces for
// recipients already bounced or failed are no-ops.
func (t *Tracker) RecordBounce(ctx context.Context, token, reason string) error {
	err := t.recipients.RecordBounce(token, reason)
	if errors.Is(err, repository.ErrNotFound) {
		t.metrics.IncUnknownToken()
		t.logger.Warn("bounce event for unknown token", "token", token)
		return ErrUnknownToken
	}
	if err != nil {
		return fmt.Errorf("recording bounce: %w", err)
	}
	t.metrics.IncBounce()
	return nil
}

// RecordUnsubscribe sets the unsubscribe flag on the recipient and
// suppresses the contact from all future audience resolution. Past campaign
// stats are not altered. Returns whether this call was the first.
func (t *Tracker) RecordUnsubscribe(ctx context.Context, token string, at time.Time) (newly bool, err error) {
	newly, err = t.recipients.RecordUnsubscribe(token, at)
	if errors.Is(err, repository.ErrNotFound) {
		t.metrics.IncUnknownToken()
		t.logger.Warn("unsubscribe for unknown token", "token", token)
		return false, ErrUnknownToken
	}
	if err != nil {
		return false, fmt.Errorf("recording unsubscribe: %w", err)
	}

	if newly {
		rec, err := t.recipients.GetByToken(token)
		if err != nil {
			return true, fmt.Errorf("loading recipient for suppression: %w", err)
		}
		if err := t.contacts.MarkUnsubscribed(rec.ContactID); err != nil {
			return true, fmt.Errorf("suppressing contact: %w", err)
		}
		t.metrics.IncUnsubscribe()
	}
	return newly, nil
}

// TokenForProviderMsgID maps a provider message id from a webhook back to
// the recipient's tracking token.
func (t *Tracker) TokenForProviderMsgID(msgID string) (string, error) {
	rec, err := t.recipients.GetByProviderMsgID(msgID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrUnknownToken
	}
	if err != nil {
		return "", err
	}
	return rec.Token, nil
}
