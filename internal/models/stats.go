package models

// Stats holds the engagement counts and derived rates for a campaign, or for
// a single variant when Variant is set. Rates are always 0 when the
// denominator is 0, never NaN.
type Stats struct {
	CampaignID string `json:"campaign_id"`
	Variant    string `json:"variant,omitempty"`

	Sent         int `json:"sent"` // attempted and accepted, including later bounces
	Failed       int `json:"failed"`
	Bounced      int `json:"bounced"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Unsubscribed int `json:"unsubscribed"`

	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	ClickToOpenRate float64 `json:"click_to_open_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
}

// Rate returns the stat selected by an A/B winning criterion.
func (s *Stats) Rate(criterion string) float64 {
	switch criterion {
	case CriterionClickRate:
		return s.ClickRate
	default:
		return s.OpenRate
	}
}
