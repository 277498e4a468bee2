package verify

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/lox/argoverify/internal/models"
)

const earthRadiusKm = 6371.0

// MatchConfig holds the matcher's tolerances and limits.
type MatchConfig struct {
	MaxLeadDays  int
	TimeWindow   time.Duration // max |observed - valid time|
	RadiusKm     float64       // max distance between float position and station position
	ReadTimeout  time.Duration
	RetryBackoff time.Duration
}

func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		MaxLeadDays:  10,
		TimeWindow:   12 * time.Hour,
		RadiusKm:     50,
		ReadTimeout:  5 * time.Second,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// MissReason says why a slot has no pair.
type MissReason string

const (
	MissNoForecast    MissReason = "no_forecast"
	MissNoObservation MissReason = "no_observation_within_tolerance"
)

// Slot is one depth (or the surface) for a station and lead time.
type Slot struct {
	Depth  sql.NullFloat64
	Reason MissReason
}

// MatchResult is the outcome for one station, model and lead time.
type MatchResult struct {
	StationID string
	LeadDays  int
	Pairs     []models.MatchedPair
	Missing   []Slot
}

// MatchRequest identifies the pairs to build.
type MatchRequest struct {
	StationID string
	Variable  models.Variable
	Model     string
	IssueDate time.Time
	LeadDays  int
}

// Matcher joins float observations to forecast values valid at the same time and place.
type Matcher struct {
	src    Sources
	depths *DepthTable
	cfg    MatchConfig
	reader boundedReader
}

func NewMatcher(src Sources, depths *DepthTable, cfg MatchConfig) *Matcher {
	return &Matcher{
		src:    src,
		depths: depths,
		cfg:    cfg,
		reader: boundedReader{timeout: cfg.ReadTimeout, initialDelay: cfg.RetryBackoff},
	}
}

func (m *Matcher) Config() MatchConfig { return m.cfg }

// Read runs fn under the matcher's read deadline and timeout retry policy.
func (m *Matcher) Read(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	return m.reader.do(ctx, what, fn)
}

func (m *Matcher) Depths() *DepthTable { return m.depths }

// ValidateLead checks lead against the configured horizon.
func (m *Matcher) ValidateLead(lead int) error {
	if lead < 1 || lead > m.cfg.MaxLeadDays {
		return invalidf("lead time %d outside 1..%d", lead, m.cfg.MaxLeadDays)
	}
	return nil
}

// Match produces one pair per slot (the surface, or each depth bin for profile
// variables). A slot without a forecast, or without an observation inside the
// time window and radius, is reported as missing rather than paired with a
// stale or distant observation.
func (m *Matcher) Match(ctx context.Context, req MatchRequest) (MatchResult, error) {
	if !req.Variable.Valid() {
		return MatchResult{}, invalidf("unknown variable %q", req.Variable)
	}
	if err := m.ValidateLead(req.LeadDays); err != nil {
		return MatchResult{}, err
	}

	var station models.Station
	err := m.reader.do(ctx, "station lookup", func(ctx context.Context) error {
		var err error
		station, err = m.src.Catalog.Station(ctx, req.StationID)
		return err
	})
	if err != nil {
		return MatchResult{}, err
	}

	issue := truncateDay(req.IssueDate)
	var forecasts []models.ForecastSample
	err = m.reader.do(ctx, "forecast read", func(ctx context.Context) error {
		var err error
		forecasts, err = m.src.Forecasts.Forecasts(ctx, ForecastKey{
			Model:     req.Model,
			Variable:  req.Variable,
			IssueDate: issue,
			LeadDays:  req.LeadDays,
			StationID: req.StationID,
		})
		return err
	})
	if err != nil {
		return MatchResult{}, err
	}

	validAt := models.ValidTime(issue, req.LeadDays)
	var observations []models.ObservationSample
	err = m.reader.do(ctx, "observation read", func(ctx context.Context) error {
		var err error
		observations, err = m.src.Observations.Observations(ctx, req.StationID, req.Variable,
			validAt.Add(-m.cfg.TimeWindow), validAt.Add(m.cfg.TimeWindow))
		return err
	})
	if err != nil {
		return MatchResult{}, err
	}

	result := MatchResult{StationID: req.StationID, LeadDays: req.LeadDays}
	set := NewPairSet()

	for _, slot := range m.slots(req.Variable) {
		fc, ok := forecastFor(forecasts, slot, m.depths)
		if !ok {
			result.Missing = append(result.Missing, Slot{Depth: slot, Reason: MissNoForecast})
			continue
		}
		obs, ok := m.nearestObservation(station, observations, slot, validAt)
		if !ok {
			result.Missing = append(result.Missing, Slot{Depth: slot, Reason: MissNoObservation})
			continue
		}
		pair := models.MatchedPair{
			StationID:   req.StationID,
			Variable:    req.Variable,
			Model:       req.Model,
			IssueDate:   issue,
			LeadDays:    req.LeadDays,
			Depth:       slot,
			Forecast:    fc.Value,
			Observation: obs.Value,
			ObservedAt:  obs.ObservedAt,
		}
		if err := set.Add(pair); err != nil {
			return MatchResult{}, err
		}
	}
	result.Pairs = set.Pairs()
	return result, nil
}

func (m *Matcher) slots(v models.Variable) []sql.NullFloat64 {
	if !v.IsProfile() {
		return []sql.NullFloat64{{}}
	}
	levels := m.depths.Levels()
	out := make([]sql.NullFloat64, len(levels))
	for i, l := range levels {
		out[i] = sql.NullFloat64{Float64: l, Valid: true}
	}
	return out
}

// forecastFor picks the forecast sample for a slot. Forecast depths are binned
// the same way as observations.
func forecastFor(samples []models.ForecastSample, slot sql.NullFloat64, depths *DepthTable) (models.ForecastSample, bool) {
	for _, f := range samples {
		if !slot.Valid {
			if !f.Depth.Valid {
				return f, true
			}
			continue
		}
		if !f.Depth.Valid {
			continue
		}
		if bin, ok := depths.Bin(f.Depth.Float64); ok && bin == slot.Float64 {
			return f, true
		}
	}
	return models.ForecastSample{}, false
}

// nearestObservation returns the observation closest in time to validAt that
// lies within the window and radius. Ties go to the earlier observation, then
// to the one nearest the bin level.
func (m *Matcher) nearestObservation(st models.Station, obs []models.ObservationSample, slot sql.NullFloat64, validAt time.Time) (models.ObservationSample, bool) {
	var candidates []models.ObservationSample
	for _, o := range obs {
		if absDuration(o.ObservedAt.Sub(validAt)) > m.cfg.TimeWindow {
			continue
		}
		if HaversineKm(st.Latitude, st.Longitude, o.Latitude, o.Longitude) > m.cfg.RadiusKm {
			continue
		}
		if slot.Valid {
			if !o.Depth.Valid {
				continue
			}
			bin, ok := m.depths.Bin(o.Depth.Float64)
			if !ok || bin != slot.Float64 {
				continue
			}
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return models.ObservationSample{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		da, db := absDuration(a.ObservedAt.Sub(validAt)), absDuration(b.ObservedAt.Sub(validAt))
		if da != db {
			return da < db
		}
		if !a.ObservedAt.Equal(b.ObservedAt) {
			return a.ObservedAt.Before(b.ObservedAt)
		}
		if slot.Valid {
			ea, eb := math.Abs(a.Depth.Float64-slot.Float64), math.Abs(b.Depth.Float64-slot.Float64)
			if ea != eb {
				return ea < eb
			}
		}
		return a.Value < b.Value
	})
	return candidates[0], true
}

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PairSet collects matched pairs and rejects a second pair for the same slot.
type PairSet struct {
	pairs map[models.PairKey]models.MatchedPair
	order []models.PairKey
}

func NewPairSet() *PairSet {
	return &PairSet{pairs: make(map[models.PairKey]models.MatchedPair)}
}

func (s *PairSet) Add(p models.MatchedPair) error {
	k := p.Key()
	if _, ok := s.pairs[k]; ok {
		return errors.Join(ErrDuplicate, invalidf("pair already recorded for station %s %s lead %d", p.StationID, p.Variable, p.LeadDays))
	}
	s.pairs[k] = p
	s.order = append(s.order, k)
	return nil
}

func (s *PairSet) Len() int { return len(s.order) }

func (s *PairSet) Pairs() []models.MatchedPair {
	out := make([]models.MatchedPair, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.pairs[k])
	}
	return out
}
