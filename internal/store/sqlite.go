package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/verify"
)

// Store is the SQLite-backed station catalog, observation store and forecast
// store. Timestamps are stored as unix milliseconds and issue dates as
// YYYY-MM-DD text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

func (s *Store) UpsertStation(ctx context.Context, st models.Station) error {
	status := st.Status
	if status == "" {
		status = models.StatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (station_id, latitude, longitude, status, region)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			status = excluded.status,
			region = excluded.region
	`, st.StationID, st.Latitude, st.Longitude, string(status), st.Region)
	return err
}

const stationColumns = `station_id, latitude, longitude, status, region, last_profile, profile_count`

func scanStation(sc interface{ Scan(...any) error }) (models.Station, error) {
	var st models.Station
	var status string
	var last sql.NullInt64
	if err := sc.Scan(&st.StationID, &st.Latitude, &st.Longitude, &status, &st.Region, &last, &st.ProfileCount); err != nil {
		return models.Station{}, err
	}
	st.Status = models.StationStatus(status)
	if last.Valid {
		st.LastProfile = sql.NullTime{Time: time.UnixMilli(last.Int64).UTC(), Valid: true}
	}
	return st, nil
}

// Station returns verify.ErrNotFound for an unknown id.
func (s *Store) Station(ctx context.Context, id string) (models.Station, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stationColumns+` FROM stations WHERE station_id = ?`, id)
	st, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Station{}, fmt.Errorf("%w: station %q", verify.ErrNotFound, id)
	}
	if err != nil {
		return models.Station{}, err
	}
	return st, nil
}

func (s *Store) Stations(ctx context.Context, filter models.StationFilter) ([]models.Station, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stationColumns+`
		FROM stations
		WHERE (? = '' OR region = ?) AND (? = '' OR status = ?)
		ORDER BY station_id
	`, filter.Region, filter.Region, string(filter.Status), string(filter.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// MarkInactive flags active stations whose last profile is older than before,
// or that never reported. Returns the number of stations changed.
func (s *Store) MarkInactive(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stations SET status = 'inactive'
		WHERE status = 'active' AND COALESCE(last_profile, 0) < ?
	`, before.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecordProfile stores the samples of one float cycle. A station seen for the
// first time is registered at the profile position. When at least one sample
// is new the station's last-profile time and profile count are updated and it
// is marked active. Samples already stored are skipped. Returns the number of
// samples inserted.
func (s *Store) RecordProfile(ctx context.Context, p models.Profile) (int, error) {
	if p.StationID == "" {
		return 0, verify.Invalidf("profile without station id")
	}
	if p.ObservedAt.IsZero() {
		return 0, verify.Invalidf("profile for %s without timestamp", p.StationID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stations (station_id, latitude, longitude, status)
		VALUES (?, ?, ?, 'active')
		ON CONFLICT(station_id) DO NOTHING
	`, p.StationID, p.Latitude, p.Longitude); err != nil {
		return 0, fmt.Errorf("register station: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (station_id, variable, observed_at, depth_m, has_depth, latitude, longitude, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, variable, observed_at, depth_m) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	observedAt := p.ObservedAt.UTC().UnixMilli()
	inserted := 0
	for _, o := range p.Samples {
		lat, lon := o.Latitude, o.Longitude
		if lat == 0 && lon == 0 {
			lat, lon = p.Latitude, p.Longitude
		}
		res, err := stmt.ExecContext(ctx, p.StationID, string(o.Variable), observedAt,
			o.Depth.Float64, o.Depth.Valid, lat, lon, o.Value)
		if err != nil {
			return 0, fmt.Errorf("insert %s sample: %w", o.Variable, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if inserted > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stations SET
				last_profile = MAX(COALESCE(last_profile, 0), ?),
				profile_count = profile_count + 1,
				status = 'active'
			WHERE station_id = ?
		`, observedAt, p.StationID); err != nil {
			return 0, fmt.Errorf("update station bookkeeping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// Observations returns samples for station and variable observed within
// [from, to], oldest first.
func (s *Store) Observations(ctx context.Context, stationID string, v models.Variable, from, to time.Time) ([]models.ObservationSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, variable, observed_at, depth_m, has_depth, latitude, longitude, value
		FROM observations
		WHERE station_id = ? AND variable = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC, depth_m ASC
	`, stationID, string(v), from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ObservationSample
	for rows.Next() {
		var o models.ObservationSample
		var variable string
		var observedAt int64
		var depth float64
		var hasDepth bool
		if err := rows.Scan(&o.ID, &o.StationID, &variable, &observedAt, &depth, &hasDepth, &o.Latitude, &o.Longitude, &o.Value); err != nil {
			return nil, err
		}
		o.Variable = models.Variable(variable)
		o.ObservedAt = time.UnixMilli(observedAt).UTC()
		o.Depth = sql.NullFloat64{Float64: depth, Valid: hasDepth}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertForecasts stores a batch of forecast samples atomically. A sample whose
// (model, variable, issue date, lead, station, depth) is already stored fails
// the whole batch with verify.ErrDuplicate.
func (s *Store) InsertForecasts(ctx context.Context, samples []models.ForecastSample) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forecasts (model, variable, issue_date, lead_days, station_id, depth_m, has_depth, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, variable, issue_date, lead_days, station_id, depth_m) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range samples {
		issue := f.IssueDate.UTC().Format(models.DateLayout)
		res, err := stmt.ExecContext(ctx, f.Model, string(f.Variable), issue, f.LeadDays,
			f.StationID, f.Depth.Float64, f.Depth.Valid, f.Value)
		if err != nil {
			return 0, fmt.Errorf("insert forecast: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: forecast %s %s %s lead %d station %s depth %v",
				verify.ErrDuplicate, f.Model, f.Variable, issue, f.LeadDays, f.StationID, f.Depth.Float64)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(samples), nil
}

func (s *Store) Forecasts(ctx context.Context, key verify.ForecastKey) ([]models.ForecastSample, error) {
	issue := key.IssueDate.UTC().Format(models.DateLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, variable, issue_date, lead_days, station_id, depth_m, has_depth, value
		FROM forecasts
		WHERE model = ? AND variable = ? AND issue_date = ? AND lead_days = ? AND station_id = ?
		ORDER BY depth_m ASC
	`, key.Model, string(key.Variable), issue, key.LeadDays, key.StationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ForecastSample
	for rows.Next() {
		var f models.ForecastSample
		var variable, issueDate string
		var depth float64
		var hasDepth bool
		if err := rows.Scan(&f.ID, &f.Model, &variable, &issueDate, &f.LeadDays, &f.StationID, &depth, &hasDepth, &f.Value); err != nil {
			return nil, err
		}
		f.Variable = models.Variable(variable)
		f.IssueDate, err = time.ParseInLocation(models.DateLayout, issueDate, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse issue date %q: %w", issueDate, err)
		}
		f.Depth = sql.NullFloat64{Float64: depth, Valid: hasDepth}
		out = append(out, f)
	}
	return out, rows.Err()
}

// IssueDates lists the distinct forecast issue dates stored for a model, newest first.
func (s *Store) IssueDates(ctx context.Context, model string, limit int) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT issue_date FROM forecasts
		WHERE model = ?
		ORDER BY issue_date DESC
		LIMIT ?
	`, model, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		t, err := time.ParseInLocation(models.DateLayout, d, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse issue date %q: %w", d, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summary counts the catalog for the station list header.
func (s *Store) Summary(ctx context.Context) (models.CatalogSummary, error) {
	var sum models.CatalogSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status != 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(profile_count), 0)
		FROM stations
	`).Scan(&sum.Active, &sum.Inactive, &sum.TotalProfiles)
	if err != nil {
		return models.CatalogSummary{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT region FROM stations WHERE region != ''`)
	if err != nil {
		return models.CatalogSummary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return models.CatalogSummary{}, err
		}
		sum.Regions = append(sum.Regions, r)
	}
	if err := rows.Err(); err != nil {
		return models.CatalogSummary{}, err
	}
	sort.Strings(sum.Regions)
	sum.Variables = len(models.Variables)
	return sum, nil
}
