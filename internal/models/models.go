package models

import (
	"database/sql"
	"time"
)

type StationStatus string

const (
	StatusActive   StationStatus = "active"
	StatusInactive StationStatus = "inactive"
)

// Station is a profiling float registered in the catalog.
type Station struct {
	StationID    string        `json:"id"`
	Latitude     float64       `json:"lat"`
	Longitude    float64       `json:"lon"`
	Status       StationStatus `json:"status"`
	LastProfile  sql.NullTime  `json:"-"`
	ProfileCount int           `json:"profiles"`
	Region       string        `json:"region"`
}

// StationFilter selects stations by region and/or status. Empty fields match everything.
type StationFilter struct {
	Region string
	Status StationStatus
}

func (f StationFilter) Matches(st Station) bool {
	if f.Region != "" && f.Region != st.Region {
		return false
	}
	if f.Status != "" && f.Status != st.Status {
		return false
	}
	return true
}

type ObservationSample struct {
	ID         int64
	StationID  string
	Variable   Variable
	ObservedAt time.Time
	Depth      sql.NullFloat64 // only set for profile variables
	Latitude   float64
	Longitude  float64
	Value      float64
}

type ForecastSample struct {
	ID        int64
	Model     string
	Variable  Variable
	IssueDate time.Time
	LeadDays  int
	StationID string
	Depth     sql.NullFloat64
	Value     float64
}

// ValidTime returns issue + lead days at 00:00 UTC.
func ValidTime(issue time.Time, leadDays int) time.Time {
	y, m, d := issue.UTC().Date()
	return time.Date(y, m, d+leadDays, 0, 0, 0, 0, time.UTC)
}

// Profile is one float cycle: all samples sharing a station and timestamp.
type Profile struct {
	StationID  string
	ObservedAt time.Time
	Latitude   float64
	Longitude  float64
	Samples    []ObservationSample
}

type MatchedPair struct {
	StationID   string
	Variable    Variable
	Model       string
	IssueDate   time.Time
	LeadDays    int
	Depth       sql.NullFloat64
	Forecast    float64
	Observation float64
	ObservedAt  time.Time
}

// PairKey identifies a matched pair slot; at most one pair may exist per key.
type PairKey struct {
	StationID string
	Variable  Variable
	Depth     float64
	HasDepth  bool
	Model     string
	LeadDays  int
	IssueDate string
}

func (p MatchedPair) Key() PairKey {
	return PairKey{
		StationID: p.StationID,
		Variable:  p.Variable,
		Depth:     p.Depth.Float64,
		HasDepth:  p.Depth.Valid,
		Model:     p.Model,
		LeadDays:  p.LeadDays,
		IssueDate: p.IssueDate.UTC().Format(DateLayout),
	}
}

const DateLayout = "2006-01-02"

// Stats summarises a set of matched pairs. Correlation is nil when it is undefined.
type Stats struct {
	Count       int      `json:"count"`
	RMSE        float64  `json:"rmse"`
	Bias        float64  `json:"bias"`
	Correlation *float64 `json:"correlation"`
}

type LeadTimePoint struct {
	LeadDays int    `json:"lead_days"`
	Missing  bool   `json:"missing"`
	Stats    *Stats `json:"stats,omitempty"`
}

type LeadTimeSeries struct {
	Stations  []string        `json:"stations"`
	Variable  Variable        `json:"variable"`
	Model     string          `json:"model"`
	IssueDate string          `json:"issue_date"`
	Points    []LeadTimePoint `json:"points"`
}

type DepthPoint struct {
	Depth   float64  `json:"depth"`
	Missing bool     `json:"missing"`
	RMSE    *float64 `json:"rmse"`
	Count   int      `json:"count"`
}

type DepthProfileSeries struct {
	Stations  []string     `json:"stations"`
	Variable  Variable     `json:"variable"`
	Model     string       `json:"model"`
	LeadDays  int          `json:"lead_days"`
	IssueDate string       `json:"issue_date"`
	Points    []DepthPoint `json:"points"`
}

// ModelResult is one model's entry in a comparison. Error is set when the
// model could not be aggregated at all; Series is nil in that case.
type ModelResult struct {
	Model  string          `json:"model"`
	Series *LeadTimeSeries `json:"series,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type ModelComparison struct {
	Stations  []string      `json:"stations"`
	Variable  Variable      `json:"variable"`
	IssueDate string        `json:"issue_date"`
	LeadDays  []int         `json:"lead_days"`
	Models    []ModelResult `json:"models"`
	Partial   bool          `json:"partial"`
}

// CatalogSummary backs the station list header.
type CatalogSummary struct {
	Active        int      `json:"active"`
	Inactive      int      `json:"inactive"`
	TotalProfiles int      `json:"total_profiles"`
	Regions       []string `json:"regions"`
	Variables     int      `json:"variables"`
}
