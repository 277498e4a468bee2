package verify

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/lox/argoverify/internal/models"
)

// memSource is an in-memory catalog, observation and forecast store.
type memSource struct {
	stations     map[string]models.Station
	observations []models.ObservationSample
	forecasts    []models.ForecastSample
	delay        time.Duration
	reads        atomic.Int64
}

func newMemSource(stations ...models.Station) *memSource {
	m := &memSource{stations: make(map[string]models.Station)}
	for _, st := range stations {
		m.stations[st.StationID] = st
	}
	return m
}

func (m *memSource) sources() Sources {
	return Sources{Catalog: m, Observations: m, Forecasts: m}
}

func (m *memSource) wait(ctx context.Context) error {
	m.reads.Add(1)
	if m.delay == 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memSource) Station(ctx context.Context, id string) (models.Station, error) {
	if err := m.wait(ctx); err != nil {
		return models.Station{}, err
	}
	st, ok := m.stations[id]
	if !ok {
		return models.Station{}, notFoundf("station %q", id)
	}
	return st, nil
}

func (m *memSource) Stations(ctx context.Context, filter models.StationFilter) ([]models.Station, error) {
	var out []models.Station
	for _, st := range m.stations {
		if filter.Matches(st) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memSource) Observations(ctx context.Context, stationID string, v models.Variable, from, to time.Time) ([]models.ObservationSample, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	var out []models.ObservationSample
	for _, o := range m.observations {
		if o.StationID == stationID && o.Variable == v && !o.ObservedAt.Before(from) && !o.ObservedAt.After(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memSource) Forecasts(ctx context.Context, key ForecastKey) ([]models.ForecastSample, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	var out []models.ForecastSample
	for _, f := range m.forecasts {
		if f.Model == key.Model && f.Variable == key.Variable && f.StationID == key.StationID &&
			f.LeadDays == key.LeadDays && f.IssueDate.Equal(key.IssueDate) {
			out = append(out, f)
		}
	}
	return out, nil
}

var testIssue = time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC)

func testStation(id string) models.Station {
	return models.Station{StationID: id, Latitude: 25.45, Longitude: 119.85, Status: models.StatusActive, Region: "East China Sea"}
}

func depth(d float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: d, Valid: true}
}

// addPair records a forecast and a matching observation at the station position.
func (m *memSource) addPair(model, station string, v models.Variable, lead int, d sql.NullFloat64, fc, obs float64) {
	st := m.stations[station]
	m.forecasts = append(m.forecasts, models.ForecastSample{
		Model: model, Variable: v, IssueDate: testIssue, LeadDays: lead,
		StationID: station, Depth: d, Value: fc,
	})
	m.observations = append(m.observations, models.ObservationSample{
		StationID: station, Variable: v, ObservedAt: models.ValidTime(testIssue, lead).Add(2 * time.Hour),
		Depth: d, Latitude: st.Latitude, Longitude: st.Longitude, Value: obs,
	})
}

func testConfig() MatchConfig {
	cfg := DefaultMatchConfig()
	cfg.ReadTimeout = time.Second
	cfg.RetryBackoff = time.Millisecond
	return cfg
}
