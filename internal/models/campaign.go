package models

import "time"

// Campaign status values. Transitions are monotonic: a campaign never moves
// backward, and failed is terminal.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusTesting   = "testing"
	CampaignStatusCompleted = "completed"
	CampaignStatusFailed    = "failed"
)

// A/B sub-phase values, persisted while the campaign status is "testing".
// The public status stays "testing" until the final wave completes; the phase
// column records how far the coordinator got so a restart can resume.
const (
	ABPhaseNone       = ""
	ABPhaseTesting    = "testing"
	ABPhaseDeciding   = "deciding"
	ABPhaseFinalizing = "finalizing"
)

// Test dimensions: which part of the email the variants differ in.
const (
	TestDimensionSubject = "subject"
	TestDimensionContent = "content"
	TestDimensionBoth    = "both"
)

// Winning criteria for A/B tests.
const (
	CriterionOpenRate  = "open_rate"
	CriterionClickRate = "click_rate"
)

// Audience kinds.
const (
	AudienceAll  = "all"  // all active contacts
	AudienceList = "list" // members of a named list
)

// Audience identifies the target population of a campaign.
type Audience struct {
	Kind   string `json:"kind" validate:"required,oneof=all list"`
	ListID string `json:"list_id,omitempty"`
}

// ABTestConfig configures the split test run before the final wave.
// Percentage and duration bounds are validated at campaign creation;
// out-of-range values are rejected, never clamped.
type ABTestConfig struct {
	Enabled       bool   `json:"enabled"`
	Dimension     string `json:"dimension" validate:"required,oneof=subject content both"`
	Percentage    int    `json:"percentage" validate:"min=10,max=50"`
	Criterion     string `json:"criterion" validate:"required,oneof=open_rate click_rate"`
	DurationHours int    `json:"duration_hours" validate:"min=1,max=168"`
}

// Duration returns the test window length.
func (c *ABTestConfig) Duration() time.Duration {
	return time.Duration(c.DurationHours) * time.Hour
}

// Variant labels. The schema allows more, the coordinator compares exactly two.
const (
	VariantNone = ""
	VariantA    = "A"
	VariantB    = "B"
)

// Variant is one alternative subject/content version in an A/B test.
type Variant struct {
	Label           string `json:"label"`
	SubjectOverride string `json:"subject_override,omitempty"`
	BodyOverride    string `json:"body_override,omitempty"`
}

// Campaign represents one bulk email campaign.
type Campaign struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`

	// BodyHTML is the opaque blob produced by the external editor. The core
	// never parses it; tracking instrumentation only appends to it.
	BodyHTML string `json:"body_html"`

	Audience Audience      `json:"audience"`
	ABTest   *ABTestConfig `json:"ab_test,omitempty"`

	Status        string     `json:"status"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	ABPhase       string     `json:"ab_phase,omitempty"`
	TestStartedAt *time.Time `json:"test_started_at,omitempty"`
	Winner        string     `json:"winner,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// campaignTransitions lists the allowed forward moves. Failed is reachable
// from every non-terminal state and is itself terminal.
var campaignTransitions = map[string][]string{
	CampaignStatusDraft:     {CampaignStatusScheduled, CampaignStatusSending, CampaignStatusTesting, CampaignStatusFailed},
	CampaignStatusScheduled: {CampaignStatusSending, CampaignStatusTesting, CampaignStatusFailed},
	CampaignStatusSending:   {CampaignStatusCompleted, CampaignStatusFailed},
	CampaignStatusTesting:   {CampaignStatusCompleted, CampaignStatusFailed},
}

// CanTransition reports whether a campaign may move from one status to another.
func CanTransition(from, to string) bool {
	for _, t := range campaignTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EffectiveContent resolves the subject and body to send for a variant,
// applying only the overrides the test dimension permits. A nil variant
// yields the campaign defaults.
func (c *Campaign) EffectiveContent(v *Variant) (subject, body string) {
	subject = c.Subject
	body = c.BodyHTML
	if v == nil || c.ABTest == nil {
		return subject, body
	}
	dim := c.ABTest.Dimension
	if (dim == TestDimensionSubject || dim == TestDimensionBoth) && v.SubjectOverride != "" {
		subject = v.SubjectOverride
	}
	if (dim == TestDimensionContent || dim == TestDimensionBoth) && v.BodyOverride != "" {
		body = v.BodyOverride
	}
	return subject, body
}
