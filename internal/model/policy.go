package model

import "time"

// Policy is an end-user insurance policy record.
type Policy struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id,omitempty"`
	PolicyNumber    string    `json:"policy_number,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	Category        string    `json:"category,omitempty"`
	PremiumAmount   *float64  `json:"premium_amount,omitempty"`
	CoverageSummary string    `json:"coverage_summary,omitempty"`
	RenewalDate     string    `json:"renewal_date,omitempty"`
	RiskScore       *float64  `json:"risk_score,omitempty"`
	DocumentURL     string    `json:"document_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
