package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when a compare-and-set update lost the race
	// or the requested transition is not allowed from the current state.
	ErrConflict = errors.New("repository: state conflict")
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, subject, from_email, from_name, reply_to, body_html,
	audience_kind, audience_list_id, status, scheduled_at,
	ab_enabled, ab_dimension, ab_percentage, ab_criterion, ab_duration_hours,
	ab_phase, test_started_at, winner, assigned_at, started_at, completed_at,
	failure_reason, created_at, updated_at`

// Create persists a new campaign together with its variants.
func (r *CampaignRepository) Create(c *models.Campaign, variants []models.Variant) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	abEnabled := 0
	var abDimension, abCriterion sql.NullString
	var abPercentage, abDuration sql.NullInt64
	if c.ABTest != nil {
		abEnabled = 1
		abDimension = sql.NullString{String: c.ABTest.Dimension, Valid: true}
		abCriterion = sql.NullString{String: c.ABTest.Criterion, Valid: true}
		abPercentage = sql.NullInt64{Int64: int64(c.ABTest.Percentage), Valid: true}
		abDuration = sql.NullInt64{Int64: int64(c.ABTest.DurationHours), Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO campaigns (id, name, subject, from_email, from_name, reply_to, body_html,
			audience_kind, audience_list_id, status, scheduled_at,
			ab_enabled, ab_dimension, ab_percentage, ab_criterion, ab_duration_hours,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Subject, c.FromEmail, c.FromName, c.ReplyTo, c.BodyHTML,
		c.Audience.Kind, c.Audience.ListID, c.Status, c.ScheduledAt,
		abEnabled, abDimension, abPercentage, abCriterion, abDuration,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	for _, v := range variants {
		_, err = tx.Exec(`
			INSERT INTO campaign_variants (id, campaign_id, label, subject_override, body_override, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), c.ID, v.Label, v.SubjectOverride, v.BodyOverride, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create variant %s: %w", v.Label, err)
		}
	}

	return tx.Commit()
}

// GetByID returns a campaign by ID, or ErrNotFound.
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	row := r.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

func scanCampaign(row *sql.Row) (*models.Campaign, error) {
	c := &models.Campaign{}
	var (
		fromName, replyTo, body, listID, failureReason sql.NullString
		abDimension, abCriterion                       sql.NullString
		abPercentage, abDuration                       sql.NullInt64
		abEnabled                                      int
		scheduledAt, testStartedAt                     sql.NullTime
		assignedAt, startedAt, completedAt             sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromEmail, &fromName, &replyTo, &body,
		&c.Audience.Kind, &listID, &c.Status, &scheduledAt,
		&abEnabled, &abDimension, &abPercentage, &abCriterion, &abDuration,
		&c.ABPhase, &testStartedAt, &c.Winner, &assignedAt, &startedAt, &completedAt,
		&failureReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.FromName = fromName.String
	c.ReplyTo = replyTo.String
	c.BodyHTML = body.String
	c.Audience.ListID = listID.String
	c.FailureReason = failureReason.String
	c.ScheduledAt = nullTime(scheduledAt)
	c.TestStartedAt = nullTime(testStartedAt)
	c.AssignedAt = nullTime(assignedAt)
	c.StartedAt = nullTime(startedAt)
	c.CompletedAt = nullTime(completedAt)

	if abEnabled == 1 {
		c.ABTest = &models.ABTestConfig{
			Enabled:       true,
			Dimension:     abDimension.String,
			Percentage:    int(abPercentage.Int64),
			Criterion:     abCriterion.String,
			DurationHours: int(abDuration.Int64),
		}
	}

	return c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// GetVariants returns the variants of a campaign ordered by label.
func (r *CampaignRepository) GetVariants(campaignID string) ([]models.Variant, error) {
	rows, err := r.db.Query(`
		SELECT label, subject_override, body_override
		FROM campaign_variants WHERE campaign_id = ? ORDER BY label`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []models.Variant
	for rows.Next() {
		var v models.Variant
		var subj, body sql.NullString
		if err := rows.Scan(&v.Label, &subj, &body); err != nil {
			return nil, err
		}
		v.SubjectOverride = subj.String
		v.BodyOverride = body.String
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// Transition moves a campaign between lifecycle statuses with a
// compare-and-set on the current status. Disallowed or raced transitions
// return ErrConflict.
func (r *CampaignRepository) Transition(id, from, to string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	res, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: campaign %s no longer in status %s", ErrConflict, id, from)
	}
	return nil
}

// MarkStarted records the send trigger time alongside the status move out of
// draft/scheduled.
func (r *CampaignRepository) MarkStarted(id, from, to string, at time.Time) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	res, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, at, at, id, from)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: campaign %s no longer in status %s", ErrConflict, id, from)
	}
	return nil
}

// MarkAssigned records that recipient rows were materialized.
func (r *CampaignRepository) MarkAssigned(id string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET assigned_at = ?, updated_at = ? WHERE id = ?`, at, at, id)
	return err
}

// MarkTestStarted records the opening of the test window. The timestamp is
// durable so the wait survives process restarts.
func (r *CampaignRepository) MarkTestStarted(id string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET test_started_at = ?, ab_phase = ?, updated_at = ? WHERE id = ?`,
		at, models.ABPhaseTesting, at, id)
	return err
}

// AdvancePhase moves the A/B sub-phase with a compare-and-set, so the cron
// wake-up and a manual cancel cannot both run the same step.
func (r *CampaignRepository) AdvancePhase(id, from, to string) error {
	res, err := r.db.Exec(`
		UPDATE campaigns SET ab_phase = ?, updated_at = ? WHERE id = ? AND ab_phase = ?`,
		to, time.Now(), id, from)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: campaign %s not in phase %s", ErrConflict, id, from)
	}
	return nil
}

// SetWinner records the selected variant.
func (r *CampaignRepository) SetWinner(id, winner string) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET winner = ?, updated_at = ? WHERE id = ?`, winner, time.Now(), id)
	return err
}

// MarkCompleted moves the campaign to its successful terminal state.
func (r *CampaignRepository) MarkCompleted(id, from string, at time.Time) error {
	res, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, ab_phase = '', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.CampaignStatusCompleted, at, at, id, from)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: campaign %s no longer in status %s", ErrConflict, id, from)
	}
	return nil
}

// MarkFailed moves the campaign to failed with a reason. Reserved for
// conditions preventing any progress; partial failures stay per-recipient.
func (r *CampaignRepository) MarkFailed(id, reason string) error {
	now := time.Now()
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		models.CampaignStatusFailed, reason, now, now,
		id, models.CampaignStatusCompleted, models.CampaignStatusFailed)
	return err
}

// DueScheduled returns scheduled campaigns whose send time has come.
func (r *CampaignRepository) DueScheduled(now time.Time) ([]models.Campaign, error) {
	return r.listByStatusDue(models.CampaignStatusScheduled, "scheduled_at", now)
}

// Testing returns all campaigns currently in the testing status; the
// coordinator decides which windows have expired.
func (r *CampaignRepository) Testing() ([]models.Campaign, error) {
	rows, err := r.db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE status = ?`,
		models.CampaignStatusTesting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (r *CampaignRepository) listByStatusDue(status, timeCol string, now time.Time) ([]models.Campaign, error) {
	rows, err := r.db.Query(
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? AND `+timeCol+` IS NOT NULL AND `+timeCol+` <= ?`,
		status, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func scanCampaigns(rows *sql.Rows) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	for rows.Next() {
		c := models.Campaign{}
		var (
			fromName, replyTo, body, listID, failureReason sql.NullString
			abDimension, abCriterion                       sql.NullString
			abPercentage, abDuration                       sql.NullInt64
			abEnabled                                      int
			scheduledAt, testStartedAt                     sql.NullTime
			assignedAt, startedAt, completedAt             sql.NullTime
		)
		err := rows.Scan(
			&c.ID, &c.Name, &c.Subject, &c.FromEmail, &fromName, &replyTo, &body,
			&c.Audience.Kind, &listID, &c.Status, &scheduledAt,
			&abEnabled, &abDimension, &abPercentage, &abCriterion, &abDuration,
			&c.ABPhase, &testStartedAt, &c.Winner, &assignedAt, &startedAt, &completedAt,
			&failureReason, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		c.FromName = fromName.String
		c.ReplyTo = replyTo.String
		c.BodyHTML = body.String
		c.Audience.ListID = listID.String
		c.FailureReason = failureReason.String
		c.ScheduledAt = nullTime(scheduledAt)
		c.TestStartedAt = nullTime(testStartedAt)
		c.AssignedAt = nullTime(assignedAt)
		c.StartedAt = nullTime(startedAt)
		c.CompletedAt = nullTime(completedAt)
		if abEnabled == 1 {
			c.ABTest = &models.ABTestConfig{
				Enabled:       true,
				Dimension:     abDimension.String,
				Percentage:    int(abPercentage.Int64),
				Criterion:     abCriterion.String,
				DurationHours: int(abDuration.Int64),
			}
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}
