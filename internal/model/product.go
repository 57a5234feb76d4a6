package model

import "time"

// EntityType distinguishes the two record kinds subject to extraction-driven
// updates.
type EntityType string

const (
	EntityProduct EntityType = "product"
	EntityPolicy  EntityType = "policy"
)

// Category is the fixed set of insurance categories. Extraction output with a
// category outside this set is dropped, never substituted.
type Category string

const (
	CategoryHealth     Category = "health"
	CategoryLife       Category = "life"
	CategoryAuto       Category = "auto"
	CategoryHome       Category = "home"
	CategoryLiability  Category = "liability"
	CategoryLegal      Category = "legal"
	CategoryTravel     Category = "travel"
	CategoryDisability Category = "disability"
	CategoryOther      Category = "other"
)

// Categories lists all valid categories.
var Categories = []Category{
	CategoryHealth, CategoryLife, CategoryAuto, CategoryHome,
	CategoryLiability, CategoryLegal, CategoryTravel, CategoryDisability,
	CategoryOther,
}

// ValidCategory reports whether s is a member of the fixed category set.
func ValidCategory(s string) bool {
	for _, c := range Categories {
		if string(c) == s {
			return true
		}
	}
	return false
}

// Product is a partner product listing. Nullable fields use pointers so a
// partial extraction never overwrites an existing value with a zero.
type Product struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Provider          string     `json:"provider"`
	Category          string     `json:"category"`
	Price             *float64   `json:"price,omitempty"`
	CoverageSummary   string     `json:"coverage_summary,omitempty"`
	Benefits          []string   `json:"benefits,omitempty"`
	ProductURL        string     `json:"product_url,omitempty"`
	DocumentURL       string     `json:"document_url,omitempty"`
	ExternalID        string     `json:"external_id,omitempty"`
	Active            bool       `json:"active"`
	IsDuplicate       bool       `json:"is_duplicate"`
	DuplicateOfID     string     `json:"duplicate_of_id,omitempty"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty"`
	VerificationError string     `json:"verification_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
