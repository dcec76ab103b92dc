package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mailkite/mailkite/internal/models"
)

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// BulkCreate inserts recipient rows in a single transaction. The unique
// (campaign_id, contact_id) constraint makes duplicate materialization fail
// as a whole rather than producing duplicate rows.
func (r *RecipientRepository) BulkCreate(recipients []models.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO recipients (id, campaign_id, contact_id, email, name, variant, token, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range recipients {
		rec := &recipients[i]
		if _, err := stmt.Exec(rec.ID, rec.CampaignID, rec.ContactID, rec.Email, rec.Name,
			rec.Variant, rec.Token, rec.Status, rec.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert recipient %s: %w", rec.Email, err)
		}
	}

	return tx.Commit()
}

// ExistsForCampaign reports whether any recipient rows exist for a campaign.
func (r *RecipientRepository) ExistsForCampaign(campaignID string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM recipients WHERE campaign_id = ? LIMIT 1`, campaignID).Scan(&n)
	return n > 0, err
}

// ContactIDsForCampaign returns the set of contacts already materialized for
// a campaign. Used at finalization to skip the test population.
func (r *RecipientRepository) ContactIDsForCampaign(campaignID string) (map[string]bool, error) {
	rows, err := r.db.Query(`SELECT contact_id FROM recipients WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

const recipientColumns = `id, campaign_id, contact_id, email, name, variant, token, status,
	provider_msg_id, last_error, bounce_reason, sent_at,
	opened, open_count, first_open_at, clicked, click_count, first_click_at,
	unsubscribed, unsubscribed_at, created_at`

// GetByToken resolves a tracking token to its recipient, or ErrNotFound.
func (r *RecipientRepository) GetByToken(token string) (*models.Recipient, error) {
	row := r.db.QueryRow(`SELECT `+recipientColumns+` FROM recipients WHERE token = ?`, token)
	return scanRecipient(row)
}

// GetByProviderMsgID resolves an ESP message id to its recipient, or
// ErrNotFound. Used by bounce webhooks that do not carry the token.
func (r *RecipientRepository) GetByProviderMsgID(msgID string) (*models.Recipient, error) {
	row := r.db.QueryRow(`SELECT `+recipientColumns+` FROM recipients WHERE provider_msg_id = ?`, msgID)
	return scanRecipient(row)
}

// ListByCampaign returns recipients for a campaign, optionally scoped to a
// variant and/or status. Ordered by email for stable output.
func (r *RecipientRepository) ListByCampaign(campaignID, variant, status string) ([]models.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE campaign_id = ?`
	args := []any{campaignID}
	if variant != "" {
		query += ` AND variant = ?`
		args = append(args, variant)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY email`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		rec, err := scanRecipientRows(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

// MarkSent transitions pending→sent with the provider message id. Raced or
// repeated calls find the row no longer pending and return ErrConflict.
func (r *RecipientRepository) MarkSent(id, providerMsgID string, at time.Time) error {
	res, err := r.db.Exec(`
		UPDATE recipients SET status = ?, provider_msg_id = ?, sent_at = ?, last_error = ''
		WHERE id = ? AND status = ?`,
		models.RecipientStatusSent, providerMsgID, at, id, models.RecipientStatusPending)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: recipient %s not pending", ErrConflict, id)
	}
	return nil
}

// MarkFailed transitions pending→failed with the last error seen.
func (r *RecipientRepository) MarkFailed(id, lastError string) error {
	res, err := r.db.Exec(`
		UPDATE recipients SET status = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		models.RecipientStatusFailed, lastError, id, models.RecipientStatusPending)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: recipient %s not pending", ErrConflict, id)
	}
	return nil
}

// RecordOpen applies an open event by token. First-write-wins on the
// timestamp; repeats only bump the counter. The single UPDATE is the
// compare-and-set that keeps concurrent duplicate pixel hits safe.
func (r *RecipientRepository) RecordOpen(token string, at time.Time) error {
	res, err := r.db.Exec(`
		UPDATE recipients
		SET opened = 1,
		    open_count = open_count + 1,
		    first_open_at = COALESCE(first_open_at, ?)
		WHERE token = ?`, at, token)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordClick applies a click event by token. A click implies at least one
// render, so opened is set as a side effect without bumping the open counter.
func (r *RecipientRepository) RecordClick(token string, at time.Time) error {
	res, err := r.db.Exec(`
		UPDATE recipients
		SET clicked = 1,
		    click_count = click_count + 1,
		    first_click_at = COALESCE(first_click_at, ?),
		    opened = 1,
		    first_open_at = COALESCE(first_open_at, ?)
		WHERE token = ?`, at, at, token)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordBounce transitions sent→bounced. A bounce for a recipient that is
// already bounced or failed is a no-op; an unknown token is ErrNotFound.
func (r *RecipientRepository) RecordBounce(token, reason string) error {
	res, err := r.db.Exec(`
		UPDATE recipients SET status = ?, bounce_reason = ?
		WHERE token = ? AND status = ?`,
		models.RecipientStatusBounced, reason, token, models.RecipientStatusSent)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	// Not in sent: distinguish unknown token from an idempotent repeat.
	var status string
	err = r.db.QueryRow(`SELECT status FROM recipients WHERE token = ?`, token).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// RecordUnsubscribe sets the unsubscribed flag. The newly return value lets
// the confirmation page distinguish a first unsubscribe from a repeat.
func (r *RecipientRepository) RecordUnsubscribe(token string, at time.Time) (newly bool, err error) {
	res, err := r.db.Exec(`
		UPDATE recipients SET unsubscribed = 1, unsubscribed_at = ?
		WHERE token = ? AND unsubscribed = 0`, at, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	var unsubscribed int
	err = r.db.QueryRow(`SELECT unsubscribed FROM recipients WHERE token = ?`, token).Scan(&unsubscribed)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return false, err
}

// Counts aggregates engagement counts for a campaign, optionally scoped to a
// variant. Only attempted sends count toward engagement; a bounced message
// was still sent.
func (r *RecipientRepository) Counts(campaignID, variant string) (*models.Stats, error) {
	query := `
		SELECT
			COUNT(CASE WHEN status IN ('sent', 'bounced') THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'bounced' THEN 1 END),
			COUNT(CASE WHEN status != 'pending' AND opened = 1 THEN 1 END),
			COUNT(CASE WHEN status != 'pending' AND clicked = 1 THEN 1 END),
			COUNT(CASE WHEN status != 'pending' AND unsubscribed = 1 THEN 1 END)
		FROM recipients WHERE campaign_id = ?`
	args := []any{campaignID}
	if variant != "" {
		query += ` AND variant = ?`
		args = append(args, variant)
	}

	s := &models.Stats{CampaignID: campaignID, Variant: variant}
	err := r.db.QueryRow(query, args...).Scan(
		&s.Sent, &s.Failed, &s.Bounced, &s.Opened, &s.Clicked, &s.Unsubscribed)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ExportRow is one line of the fixed-column CSV export.
type ExportRow struct {
	Email        string
	Name         string
	Sent         bool
	Opened       bool
	Clicked      bool
	Unsubscribed bool
	Country      string
	City         string
}

// ExportRows returns per-recipient detail joined with contact geo fields,
// ordered by email.
func (r *RecipientRepository) ExportRows(campaignID string) ([]ExportRow, error) {
	rows, err := r.db.Query(`
		SELECT r.email, COALESCE(r.name, ''),
			CASE WHEN r.status IN ('sent', 'bounced') THEN 1 ELSE 0 END,
			r.opened, r.clicked, r.unsubscribed,
			COALESCE(c.country, ''), COALESCE(c.city, '')
		FROM recipients r
		LEFT JOIN contacts c ON c.id = r.contact_id
		WHERE r.campaign_id = ?
		ORDER BY r.email`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var row ExportRow
		if err := rows.Scan(&row.Email, &row.Name, &row.Sent, &row.Opened,
			&row.Clicked, &row.Unsubscribed, &row.Country, &row.City); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRecipient(row *sql.Row) (*models.Recipient, error) {
	rec := &models.Recipient{}
	var (
		name, providerMsgID, lastError, bounceReason sql.NullString
		sentAt, firstOpenAt, firstClickAt, unsubAt   sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Email, &name, &rec.Variant,
		&rec.Token, &rec.Status, &providerMsgID, &lastError, &bounceReason, &sentAt,
		&rec.Opened, &rec.OpenCount, &firstOpenAt,
		&rec.Clicked, &rec.ClickCount, &firstClickAt,
		&rec.Unsubscribed, &unsubAt, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.ProviderMsgID = providerMsgID.String
	rec.LastError = lastError.String
	rec.BounceReason = bounceReason.String
	rec.SentAt = nullTime(sentAt)
	rec.FirstOpenAt = nullTime(firstOpenAt)
	rec.FirstClickAt = nullTime(firstClickAt)
	rec.UnsubscribedAt = nullTime(unsubAt)
	return rec, nil
}

func scanRecipientRows(rows *sql.Rows) (*models.Recipient, error) {
	rec := &models.Recipient{}
	var (
		name, providerMsgID, lastError, bounceReason sql.NullString
		sentAt, firstOpenAt, firstClickAt, unsubAt   sql.NullTime
	)
	err := rows.Scan(
		&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Email, &name, &rec.Variant,
		&rec.Token, &rec.Status, &providerMsgID, &lastError, &bounceReason, &sentAt,
		&rec.Opened, &rec.OpenCount, &firstOpenAt,
		&rec.Clicked, &rec.ClickCount, &firstClickAt,
		&rec.Unsubscribed, &unsubAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.ProviderMsgID = providerMsgID.String
	rec.LastError = lastError.String
	rec.BounceReason = bounceReason.String
	rec.SentAt = nullTime(sentAt)
	rec.FirstOpenAt = nullTime(firstOpenAt)
	rec.FirstClickAt = nullTime(firstClickAt)
	rec.UnsubscribedAt = nullTime(unsubAt)
	return rec, nil
}
