package model

import "time"

// BusinessStatusClosedPermanently is the provider flag for candidates that
// must be skipped during search.
const BusinessStatusClosedPermanently = "CLOSED_PERMANENTLY"

// Candidate is a raw provider result before enrichment and scoring. It is
// ephemeral: it exists only as a queue payload and is never persisted as-is.
type Candidate struct {
	PlaceID          string   `json:"place_id,omitempty"`
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address,omitempty"`
	Website          string   `json:"website,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Rating           float64  `json:"rating,omitempty"`
	ReviewCount      int      `json:"review_count,omitempty"`
	OpeningHours     []string `json:"opening_hours,omitempty"`
	OpenNow          *bool    `json:"open_now,omitempty"`
	Types            []string `json:"types,omitempty"`
	BusinessStatus   string   `json:"business_status,omitempty"`
}

// Address holds the heuristically parsed components of a formatted address.
// Fields are empty when the source string could not be split.
type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// Business is the canonical, deduplicated entity. At most one row exists per
// distinct website, and per (name, phone) pair when the website is absent.
type Business struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Website          string  `json:"website,omitempty"`
	Phone            string  `json:"phone,omitempty"`
	FormattedAddress string  `json:"formatted_address,omitempty"`
	Address          Address `json:"address"`
	CreatedAt        time.Time `json:"created_at"`
}

// DedupeKey returns the identity used for business deduplication: the
// website when present, otherwise the (name, phone) pair.
func (b Business) DedupeKey() string {
	if b.Website != "" {
		return b.Website
	}
	return b.Name + "|" + b.Phone
}

// Signal is a typed, confidence-scored observation about a business.
// Signals are append-only; several of the same type may coexist.
type Signal struct {
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	DetectedAt time.Time `json:"detected_at"`
}

// Subscores breaks a lead score into its named components.
type Subscores struct {
	ICP            int `json:"icp"`
	Pain           int `json:"pain"`
	Reachability   int `json:"reachability"`
	ComplianceRisk int `json:"compliance_risk"`
}

// LeadRanking ties a search job to a business with a score in [0,100].
// Rank is assigned at read time by ordering, not by the scoring stage.
type LeadRanking struct {
	ID          string    `json:"id"`
	SearchJobID string    `json:"search_job_id"`
	BusinessID  string    `json:"business_id"`
	Score       int       `json:"score"`
	Subscores   Subscores `json:"subscores"`
	Rank        int       `json:"rank"`
	CreatedAt   time.Time `json:"created_at"`
}

// Lead is the read-model row returned to consumers: a ranking joined with
// its business.
type Lead struct {
	Ranking  LeadRanking `json:"ranking"`
	Business Business    `json:"business"`
}
