package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/models"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Create inserts a contact. Contact management proper lives elsewhere; this
// exists for seeding and for the import path of external systems.
func (r *ContactRepository) Create(c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.ContactStatusActive
	}
	c.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO contacts (id, email, name, country, city, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Email, c.Name, c.Country, c.City, c.Status, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// CreateList creates a named recipient list.
func (r *ContactRepository) CreateList(l *models.List) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now()
	_, err := r.db.Exec(`INSERT INTO lists (id, name, created_at) VALUES (?, ?, ?)`,
		l.ID, l.Name, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create list: %w", err)
	}
	return nil
}

// AddToList adds a contact to a list; repeats are ignored.
func (r *ContactRepository) AddToList(listID, contactID string) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO list_members (list_id, contact_id) VALUES (?, ?)`,
		listID, contactID)
	return err
}

// ResolveAudience materializes the target audience as a deduplicated set of
// active contacts, ordered by contact id. Unsubscribed contacts are excluded,
// which is how past unsubscribes suppress future campaigns. The stable
// ordering is what makes the A/B slicing downstream deterministic.
func (r *ContactRepository) ResolveAudience(a models.Audience) ([]models.Contact, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch a.Kind {
	case models.AudienceAll:
		rows, err = r.db.Query(`
			SELECT id, email, name, country, city, status, created_at
			FROM contacts WHERE status = ? ORDER BY id`, models.ContactStatusActive)
	case models.AudienceList:
		rows, err = r.db.Query(`
			SELECT DISTINCT c.id, c.email, c.name, c.country, c.city, c.status, c.created_at
			FROM contacts c
			JOIN list_members m ON m.contact_id = c.id
			WHERE m.list_id = ? AND c.status = ?
			ORDER BY c.id`, a.ListID, models.ContactStatusActive)
	default:
		return nil, fmt.Errorf("unknown audience kind %q", a.Kind)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var name, country, city sql.NullString
		if err := rows.Scan(&c.ID, &c.Email, &name, &country, &city, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.Country = country.String
		c.City = city.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// MarkUnsubscribed suppresses a contact from all future audience resolution.
// Past campaign stats are not altered.
func (r *ContactRepository) MarkUnsubscribed(contactID string) error {
	_, err := r.db.Exec(`UPDATE contacts SET status = ? WHERE id = ?`,
		models.ContactStatusUnsubscribed, contactID)
	return err
}
