package model

import "time"

// AlertType identifies the kind of consistency alert.
type AlertType string

const (
	AlertOutdated           AlertType = "outdated"
	AlertMissingData        AlertType = "missing_data"
	AlertStalePricing       AlertType = "stale_pricing"
	AlertBrokenLink         AlertType = "broken_link"
	AlertVerificationFailed AlertType = "verification_failed"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus tracks the alert lifecycle. Only one active alert may exist per
// (entity, type) pair; resolution is an external actor action.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertIgnored      AlertStatus = "ignored"
)

// ConsistencyAlert is produced by the consistency engine when a check detects
// a problem with an entity.
type ConsistencyAlert struct {
	ID        string         `json:"id"`
	EntityID  string         `json:"entity_id"`
	AlertType AlertType      `json:"alert_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Status    AlertStatus    `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
