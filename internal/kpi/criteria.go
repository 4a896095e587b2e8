package kpi

// Criteria is the editable, display-oriented completeness configuration.
// It is persisted with the auto-update settings and rendered by the admin
// UI, but Validate does not consume it: the enforced gate is fixed.
type Criteria struct {
	Products   ProductsCriteria   `json:"products"`
	Highlights HighlightsCriteria `json:"highlights"`
	Leadership LeadershipCriteria `json:"leadership"`
	Charts     ChartsCriteria     `json:"charts"`
}

// ProductsCriteria configures the products section.
type ProductsCriteria struct {
	Weight       int  `json:"weight"`
	Required     bool `json:"required"`
	MinCount     int  `json:"min_count"`
	MinDescWords int  `json:"min_description_words"`
}

// HighlightsCriteria configures the highlights (news) section.
type HighlightsCriteria struct {
	Weight               int  `json:"weight"`
	Required             bool `json:"required"`
	MinCount             int  `json:"min_count"`
	MinWords             int  `json:"min_words"`
	MinTier1Sources      int  `json:"min_tier1_sources"`
	MaxLowQualitySources int  `json:"max_low_quality_sources"`
}

// LeadershipCriteria configures the leadership section.
type LeadershipCriteria struct {
	Weight        int  `json:"weight"`
	Required      bool `json:"required"`
	MinCount      int  `json:"min_count"`
	RequirePhotos bool `json:"require_photos"`
}

// ChartsCriteria configures the funding/valuation chart section.
type ChartsCriteria struct {
	Weight           int  `json:"weight"`
	Required         bool `json:"required"`
	MinFundingRounds int  `json:"min_funding_rounds"`
}

// DefaultCriteria returns the documented defaults used when no configuration
// has been saved yet.
func DefaultCriteria() Criteria {
	return Criteria{
		Products:   ProductsCriteria{Weight: 25, Required: true, MinCount: 3, MinDescWords: 15},
		Highlights: HighlightsCriteria{Weight: 30, Required: true, MinCount: MinHighlights, MinWords: 5, MinTier1Sources: 2, MaxLowQualitySources: 1},
		Leadership: LeadershipCriteria{Weight: 25, Required: true, MinCount: MinLeaders, RequirePhotos: true},
		Charts:     ChartsCriteria{Weight: 20, Required: false, MinFundingRounds: MinFundingRounds},
	}
}
