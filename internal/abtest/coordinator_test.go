package abtest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mailkite/mailkite/internal/assign"
	"github.com/mailkite/mailkite/internal/db"
	"github.com/mailkite/mailkite/internal/dispatch"
	"github.com/mailkite/mailkite/internal/models"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/stats"
	"github.com/mailkite/mailkite/internal/transport"
)

// recordingSender accepts everything and remembers the subject each address
// received.
type recordingSender struct {
	mu       sync.Mutex
	next     int
	subjects map[string]string // recipient email -> subject
}

func (s *recordingSender) Send(ctx context.Context, msg *transport.Message) (*transport.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subjects == nil {
		s.subjects = make(map[string]string)
	}
	s.subjects[msg.To] = msg.Subject
	s.next++
	return &transport.Receipt{MessageID: fmt.Sprintf("prov-%d", s.next)}, nil
}

type fixture struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	contacts   *repository.ContactRepository
	sender     *recordingSender
	co         *Coordinator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())

	logger := slog.Default()
	f := &fixture{
		campaigns:  repository.NewCampaignRepository(database.DB),
		recipients: repository.NewRecipientRepository(database.DB),
		contacts:   repository.NewContactRepository(database.DB),
		sender:     &recordingSender{},
	}
	assigner := assign.New(f.campaigns, f.recipients, f.contacts, logger)
	dispatcher := dispatch.New(f.sender, f.recipients, nil, logger, "https://mail.example.com",
		dispatch.Config{Workers: 4, MaxAttempts: 2, RetryInterval: time.Millisecond})
	f.co = NewCoordinator(f.campaigns, f.recipients, assigner, dispatcher, stats.NewAggregator(f.recipients), logger)
	return f
}

// seedAudience creates n active contacts with zero-padded emails so audience
// order is deterministic.
func (f *fixture) seedAudience(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c := &models.Contact{
			ID:    fmt.Sprintf("contact-%03d", i),
			Email: fmt.Sprintf("c%03d@example.com", i),
		}
		require.NoError(t, f.contacts.Create(c))
	}
}

func (f *fixture) seedABCampaign(t *testing.T, criterion string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:      "launch",
		Subject:   "Default subject",
		FromEmail: "news@example.com",
		BodyHTML:  "<p>hello</p>",
		Audience:  models.Audience{Kind: models.AudienceAll},
		Status:    models.CampaignStatusDraft,
		ABTest: &models.ABTestConfig{
			Enabled:       true,
			Dimension:     models.TestDimensionSubject,
			Percentage:    20,
			Criterion:     criterion,
			DurationHours: 4,
		},
	}
	variants := []models.Variant{
		{Label: models.VariantA, SubjectOverride: "Subject A"},
		{Label: models.VariantB, SubjectOverride: "Subject B"},
	}
	require.NoError(t, f.campaigns.Create(c, variants))
	return c
}

// openSample records opens for the first n sent recipients of a variant.
func (f *fixture) openSample(t *testing.T, campaignID, variant string, n int) {
	t.Helper()
	recs, err := f.recipients.ListByCampaign(campaignID, variant, models.RecipientStatusSent)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recs), n)
	for i := 0; i < n; i++ {
		require.NoError(t, f.recipients.RecordOpen(recs[i].Token, time.Now()))
	}
}

func (f *fixture) clickSample(t *testing.T, campaignID, variant string, n int) {
	t.Helper()
	recs, err := f.recipients.ListByCampaign(campaignID, variant, models.RecipientStatusSent)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recs), n)
	for i := 0; i < n; i++ {
		require.NoError(t, f.recipients.RecordClick(recs[i].Token, time.Now()))
	}
}

func TestFullTestLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedAudience(t, 100)
	c := f.seedABCampaign(t, models.CriterionOpenRate)

	report, err := f.co.StartTest(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 20, report.Sent, "20 percent of 100 contacts form the sample")

	got, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusTesting, got.Status)
	require.Equal(t, models.ABPhaseTesting, got.ABPhase)
	require.NotNil(t, got.TestStartedAt)

	aRecs, err := f.recipients.ListByCampaign(c.ID, models.VariantA, "")
	require.NoError(t, err)
	require.Len(t, aRecs, 10)
	bRecs, err := f.recipients.ListByCampaign(c.ID, models.VariantB, "")
	require.NoError(t, err)
	require.Len(t, bRecs, 10)
	for _, r := range aRecs {
		require.Equal(t, "Subject A", f.sender.subjects[r.Email])
	}
	for _, r := range bRecs {
		require.Equal(t, "Subject B", f.sender.subjects[r.Email])
	}

	// A opens 5 of 10, B opens 3 of 10.
	f.openSample(t, c.ID, models.VariantA, 5)
	f.openSample(t, c.ID, models.VariantB, 3)

	require.NoError(t, f.co.Conclude(ctx, got))

	final, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusCompleted, final.Status)
	require.Equal(t, models.ABPhaseNone, final.ABPhase)
	require.Equal(t, models.VariantA, final.Winner)
	require.NotNil(t, final.CompletedAt)

	// The remaining 80 contacts got the winning subject, labeled as no variant.
	remainder, err := f.recipients.ListByCampaign(c.ID, "", "")
	require.NoError(t, err)
	require.Len(t, remainder, 100)
	finalWave := 0
	for _, r := range remainder {
		if r.Variant == models.VariantNone {
			finalWave++
			require.Equal(t, models.RecipientStatusSent, r.Status)
			require.Equal(t, "Subject A", f.sender.subjects[r.Email])
		}
	}
	require.Equal(t, 80, finalWave)
}

func TestTieGoesToVariantA(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedAudience(t, 20)
	c := f.seedABCampaign(t, models.CriterionOpenRate)

	_, err := f.co.StartTest(ctx, c)
	require.NoError(t, err)
	f.openSample(t, c.ID, models.VariantA, 1)
	f.openSample(t, c.ID, models.VariantB, 1)

	got, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.NoError(t, f.co.Conclude(ctx, got))

	final, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.Equal(t, models.VariantA, final.Winner)
}

func TestClickCriterion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedAudience(t, 40)
	c := f.seedABCampaign(t, models.CriterionClickRate)

	_, err := f.co.StartTest(ctx, c)
	require.NoError(t, err)

	// A gets more opens, B gets more clicks. The criterion decides.
	f.openSample(t, c.ID, models.VariantA, 4)
	f.clickSample(t, c.ID, models.VariantB, 2)

	got, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.NoError(t, f.co.Conclude(ctx, got))

	final, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.Equal(t, models.VariantB, final.Winner)
}

func TestExpired(t *testing.T) {
	f := setup(t)
	c := f.seedABCampaign(t, models.CriterionOpenRate)
	require.False(t, f.co.Expired(c, time.Now()), "window has not started")

	started := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	c.TestStartedAt = &started
	require.False(t, f.co.Expired(c, started.Add(3*time.Hour)))
	require.True(t, f.co.Expired(c, started.Add(4*time.Hour)))
	require.True(t, f.co.Expired(c, started.Add(5*time.Hour)))
}

func TestConcludeLosesPhaseRace(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedAudience(t, 20)
	c := f.seedABCampaign(t, models.CriterionOpenRate)

	_, err := f.co.StartTest(ctx, c)
	require.NoError(t, err)

	// Another actor already advanced past testing.
	require.NoError(t, f.campaigns.AdvancePhase(c.ID, models.ABPhaseTesting, models.ABPhaseDeciding))

	stale := *c
	stale.ABPhase = models.ABPhaseTesting
	require.NoError(t, f.co.Conclude(ctx, &stale), "losing the CAS is a clean no-op")

	got, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.Equal(t, models.ABPhaseDeciding, got.ABPhase, "the loser did not touch the phase")
}

func TestConcludeResumesFromFinalizing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedAudience(t, 20)
	c := f.seedABCampaign(t, models.CriterionOpenRate)

	_, err := f.co.StartTest(ctx, c)
	require.NoError(t, err)
	f.openSample(t, c.ID, models.VariantA, 2)

	// Simulate a crash after the winner was persisted but before the final
	// wave went out.
	require.NoError(t, f.campaigns.AdvancePhase(c.ID, models.ABPhaseTesting, models.ABPhaseDeciding))
	require.NoError(t, f.campaigns.SetWinner(c.ID, models.VariantA))
	require.NoError(t, f.campaigns.AdvancePhase(c.ID, models.ABPhaseDeciding, models.ABPhaseFinalizing))

	got, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.NoError(t, f.co.Conclude(ctx, got))

	final, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	require.Equal(t, models.CampaignStatusCompleted, final.Status)

	all, err := f.recipients.ListByCampaign(c.ID, "", "")
	require.NoError(t, err)
	require.Len(t, all, 20, "remainder materialized on resume")
}

func TestStartTestResumesAfterPartialDispatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedAudience(t, 20)
	c := f.seedABCampaign(t, models.CriterionOpenRate)

	_, err := f.co.StartTest(ctx, c)
	require.NoError(t, err)
	firstSends := f.sender.next

	// A second start finds the sample assigned and nothing pending.
	got, err := f.campaigns.GetByID(c.ID)
	require.NoError(t, err)
	report, err := f.co.StartTest(ctx, got)
	require.NoError(t, err)
	require.Zero(t, report.Sent)
	require.Equal(t, firstSends, f.sender.next, "no duplicate sends")
}
