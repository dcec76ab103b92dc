package models

import "time"

// Contact status values.
const (
	ContactStatusActive       = "active"
	ContactStatusUnsubscribed = "unsubscribed"
)

// Contact is an addressable person. Contact CRUD and CSV import live in an
// external system; this store only carries what audience resolution,
// suppression and export need.
type Contact struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Country   string    `json:"country,omitempty"`
	City      string    `json:"city,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// List is a named group of contacts used as a campaign audience.
type List struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
