package model

import "time"

// DetectionStatus tracks the review state of a duplicate detection.
type DetectionStatus string

const (
	DetectionPending       DetectionStatus = "pending"
	DetectionConfirmed     DetectionStatus = "confirmed"
	DetectionFalsePositive DetectionStatus = "false_positive"
	DetectionIgnored       DetectionStatus = "ignored"
)

// DuplicateDetection records a suspected duplicate product pair. Detections
// are only persisted when the similarity score reaches the persistence
// threshold; pairs are directed (A→B and B→A are separate rows).
type DuplicateDetection struct {
	ID                 string          `json:"id"`
	ProductID          string          `json:"product_id"`
	DuplicateProductID string          `json:"duplicate_product_id"`
	SimilarityScore    int             `json:"similarity_score"`
	MatchingFields     []string        `json:"matching_fields,omitempty"`
	Confidence         float64         `json:"confidence"`
	Reasoning          string          `json:"reasoning,omitempty"`
	Status             DetectionStatus `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}
