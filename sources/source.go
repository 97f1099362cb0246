// Package sources is the registry of places regulatory text can be fetched
// from, with per-source reliability learned from every attempt.
package sources

import (
	"time"
)

// SourceType is the legal standing of a source's text
type SourceType string

const (
	TypeModelCode     SourceType = "model_code"
	TypeStateCode     SourceType = "state_code"
	TypeMunicipalCode SourceType = "municipal_code"
	TypeAmendment     SourceType = "amendment"
)

// Authority ranks source types when everything else is equal. Local
// amendments override municipal code, which overrides state and model code.
func (t SourceType) Authority() int {
	switch t {
	case TypeAmendment:
		return 4
	case TypeMunicipalCode:
		return 3
	case TypeStateCode:
		return 2
	case TypeModelCode:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is a known source type
func (t SourceType) Valid() bool {
	return t.Authority() > 0
}

// Verification is the state of a resource-to-source mapping
type Verification string

const (
	Verified   Verification = "verified"
	Unverified Verification = "unverified"
	Broken     Verification = "broken"
)

// Discovery methods recorded on mappings
const (
	DiscoveryManual   = "manual"
	DiscoveryFallback = "fallback"
	DiscoveryCatalog  = "catalog"
)

// Source is one fetchable origin of regulatory text
type Source struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Kind              string     `json:"kind"`
	SourceType        SourceType `json:"source_type"`
	BaseLocation      string     `json:"base_location"`
	CodeFamily        string     `json:"code_family,omitempty"`
	ReliabilityScore  float64    `json:"reliability_score"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	SuccessCount      int        `json:"success_count"`
	FailureCount      int        `json:"failure_count"`
	IsActive          bool       `json:"is_active"`
	RateLimitPerHour  int        `json:"rate_limit_per_hour"` // 0 = unlimited
	CostPerRequest    float64    `json:"cost_per_request"`
	FallbackPriority  int        `json:"fallback_priority"` // 0 = not a fallback
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Mapping links a resource key to a source
type Mapping struct {
	ResourceKey        string       `json:"resource_key"`
	SourceID           int64        `json:"source_id"`
	DiscoveryMethod    string       `json:"discovery_method"`
	VerificationStatus Verification `json:"verification_status"`
	SuccessRate        float64      `json:"success_rate"`
	Attempts           int          `json:"attempts"`
	Successes          int          `json:"successes"`
	LastCheckedAt      *time.Time   `json:"last_checked_at,omitempty"`
}

// ScrapeLogEntry is one fetch attempt against a source
type ScrapeLogEntry struct {
	JobID          string
	ResourceKey    string
	SourceID       int64
	URL            string
	Success        bool
	HTTPStatus     int
	ResponseTimeMs int64
	ContentBytes   int
	ErrorMessage   string
}
