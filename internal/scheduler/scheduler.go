// Package scheduler runs the periodic control loop: it promotes scheduled
// campaigns when their time arrives, concludes A/B tests whose window has
// elapsed and resumes campaigns a crash left mid-phase.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailkite/mailkite/internal/abtest"
	"github.com/mailkite/mailkite/internal/campaign"
	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/tracking"
)

// journalRetention is how long webhook event ids are kept for deduplication.
// Providers give up retrying well within this window.
const journalRetention = 7 * 24 * time.Hour

type Scheduler struct {
	campaigns *repository.CampaignRepository
	service   *campaign.Service
	coord     *abtest.Coordinator
	journal   *tracking.Journal
	logger    *slog.Logger
	interval  time.Duration
	cron      *cron.Cron
}

func New(campaigns *repository.CampaignRepository, service *campaign.Service,
	coord *abtest.Coordinator, journal *tracking.Journal,
	interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		campaigns: campaigns,
		service:   service,
		coord:     coord,
		journal:   journal,
		logger:    logger.With("component", "scheduler"),
		interval:  interval,
	}
}

// Start runs one tick immediately, so campaigns stranded by a restart resume
// without waiting out an interval, then polls on the configured interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.tick(ctx)

	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("registering poll job: %w", err)
	}
	if s.journal != nil {
		_, err = s.cron.AddFunc("@daily", s.sweepJournal)
		if err != nil {
			return fmt.Errorf("registering sweep job: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.promoteScheduled(ctx, now)
	s.concludeTests(ctx, now)
}

// promoteScheduled starts every campaign whose scheduled time has passed.
func (s *Scheduler) promoteScheduled(ctx context.Context, now time.Time) {
	due, err := s.campaigns.DueScheduled(now)
	if err != nil {
		s.logger.Error("failed to list due campaigns", "error", err)
		return
	}
	for i := range due {
		c := &due[i]
		s.logger.Info("starting scheduled campaign", "campaign_id", c.ID, "scheduled_at", c.ScheduledAt)
		if err := s.service.StartSend(ctx, c.ID); err != nil {
			s.logger.Error("scheduled start failed", "campaign_id", c.ID, "error", err)
		}
	}
}

// concludeTests finishes every testing campaign whose window has elapsed, and
// every campaign a previous run left between phases regardless of the clock.
func (s *Scheduler) concludeTests(ctx context.Context, now time.Time) {
	testing, err := s.campaigns.Testing()
	if err != nil {
		s.logger.Error("failed to list testing campaigns", "error", err)
		return
	}
	for i := range testing {
		c := &testing[i]
		midPhase := c.ABPhase != models.ABPhaseTesting
		if !midPhase && !s.coord.Expired(c, now) {
			continue
		}
		s.logger.Info("concluding test", "campaign_id", c.ID, "phase", c.ABPhase, "resumed", midPhase)
		if err := s.coord.Conclude(ctx, c); err != nil {
			s.logger.Error("conclude failed", "campaign_id", c.ID, "error", err)
		}
	}
}

func (s *Scheduler) sweepJournal() {
	removed, err := s.journal.Sweep(journalRetention)
	if err != nil {
		s.logger.Error("journal sweep failed", "error", err)
		return
	}
	s.logger.Info("journal swept", "removed", removed)
}
