package models

import "time"

// Recipient send status values. The only legal paths are
// pending→sent, pending→failed and sent→bounced.
const (
	RecipientStatusPending = "pending"
	RecipientStatusSent    = "sent"
	RecipientStatusFailed  = "failed"
	RecipientStatusBounced = "bounced"
)

// Recipient is one contact's delivery record for one campaign.
type Recipient struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`

	// Variant is fixed at assignment and never changes afterwards.
	Variant string `json:"variant,omitempty"`

	// Token is the opaque identifier embedded in tracking URLs. The raw
	// recipient id never leaves the system.
	Token string `json:"token"`

	Status        string     `json:"status"`
	ProviderMsgID string     `json:"provider_msg_id,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	BounceReason  string     `json:"bounce_reason,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`

	Opened      bool       `json:"opened"`
	OpenCount   int        `json:"open_count"`
	FirstOpenAt *time.Time `json:"first_open_at,omitempty"`

	// Clicked does not require Opened: image blocking can suppress the pixel
	// while links still work, so click-without-open must be tolerated.
	Clicked      bool       `json:"clicked"`
	ClickCount   int        `json:"click_count"`
	FirstClickAt *time.Time `json:"first_click_at,omitempty"`

	Unsubscribed   bool       `json:"unsubscribed"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

var recipientTransitions = map[string][]string{
	RecipientStatusPending: {RecipientStatusSent, RecipientStatusFailed},
	RecipientStatusSent:    {RecipientStatusBounced},
}

// CanRecipientTransition reports whether a recipient may move between
// the given send statuses.
func CanRecipientTransition(from, to string) bool {
	for _, t := range recipientTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
