// Package dispatch drives per-recipient send attempts through the transport.
// Sends are independent and I/O-bound, so they fan out to a bounded worker
// pool; every state change lands on the recipient row, which is what makes
// repeated dispatch after partial failures safe.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mailkite/mailkite/internal/metrics"
	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/transport"
)

// ErrTransportUnavailable is returned when the transport could not be
// reached or refused authentication before a single send succeeded. This is
// the only condition a whole campaign fails on.
var ErrTransportUnavailable = errors.New("dispatch: transport unavailable, no sends succeeded")

// Content is the resolved subject/body pair for one variant.
type Content struct {
	Subject string
	HTML    string
}

// Report summarizes one dispatch run.
type Report struct {
	Total   int
	Sent    int
	Failed  int
	Skipped int

	mu     sync.Mutex
	Errors map[string]string // recipient id -> last error
}

func (r *Report) recordError(recipientID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[recipientID] = msg
}

// Config holds dispatcher tuning.
type Config struct {
	Workers       int
	MaxAttempts   int           // total attempts per recipient, including the first
	RetryInterval time.Duration // initial backoff between attempts
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		MaxAttempts:   3,
		RetryInterval: 2 * time.Second,
	}
}

type Dispatcher struct {
	sender     transport.Sender
	recipients *repository.RecipientRepository
	metrics    *metrics.Metrics
	logger     *slog.Logger
	baseURL    string // public base URL for tracking links
	cfg        Config
}

func New(sender transport.Sender, recipients *repository.RecipientRepository,
	m *metrics.Metrics, logger *slog.Logger, baseURL string, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Dispatcher{
		sender:     sender,
		recipients: recipients,
		metrics:    m,
		logger:     logger.With("component", "dispatcher"),
		baseURL:    baseURL,
		cfg:        cfg,
	}
}

// Dispatch sends to every pending recipient in the slice. Content is keyed by
// variant label, with "" holding the campaign default. Recipients already
// past pending are skipped, so the call is safe to repeat after partial
// failures. Per-recipient errors never abort the run; only a transport that
// is unreachable before any success does.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *models.Campaign,
	recipients []models.Recipient, content map[string]Content) (*Report, error) {

	start := time.Now()
	report := &Report{Total: len(recipients)}

	// Cancels the remaining sends once the transport proves unreachable.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu          sync.Mutex
		sentCount   int
		unavailable bool
	)

	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup

	for i := range recipients {
		rec := recipients[i]

		if rec.Status != models.RecipientStatusPending {
			report.Skipped++
			continue
		}

		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func() {
				defer func() {
					<-sem
					wg.Done()
				}()

				err := d.sendOne(ctx, campaign, &rec, content)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					sentCount++
					report.Sent++
				case errors.Is(err, transport.ErrUnavailable):
					// Recipient stays pending; a later dispatch retries it.
					report.recordError(rec.ID, err.Error())
					unavailable = true
					if sentCount == 0 {
						cancel()
					}
				default:
					report.Failed++
					report.recordError(rec.ID, err.Error())
				}
			}()
		}
	}

	wg.Wait()
	d.metrics.ObserveDispatch(time.Since(start).Seconds())

	d.logger.Info("dispatch finished",
		"campaign_id", campaign.ID,
		"total", report.Total,
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", time.Since(start),
	)

	if unavailable && sentCount == 0 {
		return report, ErrTransportUnavailable
	}
	return report, nil
}

// sendOne attempts delivery for a single recipient with bounded exponential
// backoff on transient errors. Permanent rejections and transport
// unavailability stop retrying immediately.
func (d *Dispatcher) sendOne(ctx context.Context, campaign *models.Campaign,
	rec *models.Recipient, content map[string]Content) error {

	c, ok := content[rec.Variant]
	if !ok {
		c = content[models.VariantNone]
	}

	msg := &transport.Message{
		From:    formatFrom(campaign.FromEmail, campaign.FromName),
		To:      rec.Email,
		ReplyTo: campaign.ReplyTo,
		Subject: c.Subject,
		HTML:    instrument(c.HTML, d.baseURL, rec.Token),
		Headers: map[string]string{
			"X-Mailkite-Token": rec.Token,
			"List-Unsubscribe": fmt.Sprintf("<%s/unsubscribe?r=%s>", d.baseURL, rec.Token),
		},
	}

	var receipt *transport.Receipt
	op := func() error {
		var err error
		receipt, err = d.sender.Send(ctx, msg)
		if err != nil {
			if transport.IsPermanent(err) || errors.Is(err, transport.ErrUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInterval
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(d.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, transport.ErrUnavailable) {
			d.logger.Warn("transport unavailable", "recipient_id", rec.ID, "error", err)
			return err
		}
		// Permanent rejection or retries exhausted: the recipient is terminal.
		if markErr := d.recipients.MarkFailed(rec.ID, err.Error()); markErr != nil {
			d.logger.Error("failed to mark recipient failed", "recipient_id", rec.ID, "error", markErr)
		}
		reason := "transient_exhausted"
		if transport.IsPermanent(err) {
			reason = "permanent_rejection"
		}
		d.metrics.IncFailed(reason)
		d.logger.Debug("recipient failed", "recipient_id", rec.ID, "email", rec.Email, "error", err)
		return err
	}

	if err := d.recipients.MarkSent(rec.ID, receipt.MessageID, time.Now()); err != nil {
		// Lost the race to another dispatch; the send already counted.
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		d.logger.Error("failed to mark recipient sent", "recipient_id", rec.ID, "error", err)
		return nil
	}

	d.metrics.IncSent(rec.Variant)
	d.logger.Debug("email sent", "recipient_id", rec.ID, "email", rec.Email, "provider_id", receipt.MessageID)
	return nil
}

// instrument appends the open pixel to the body. Link rewriting for click
// tracking happens in the external editor's output; the pixel and the
// unsubscribe header are the only things the core adds.
func instrument(html, baseURL, token string) string {
	return html + fmt.Sprintf(`<img src="%s/track/open?t=%s" width="1" height="1" alt="">`, baseURL, token)
}

func formatFrom(email, name string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}
