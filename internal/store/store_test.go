package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/verify"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func depth(d float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: d, Valid: true}
}

var observedAt = time.Date(2025, 8, 7, 3, 12, 0, 0, time.UTC)

func testProfile(station string, at time.Time) models.Profile {
	return models.Profile{
		StationID:  station,
		ObservedAt: at,
		Latitude:   25.45,
		Longitude:  119.85,
		Samples: []models.ObservationSample{
			{Variable: models.VarTemperature, Depth: depth(5), Value: 28.1},
			{Variable: models.VarTemperature, Depth: depth(10), Value: 27.9},
			{Variable: models.VarSalinity, Depth: depth(5), Value: 34.2},
			{Variable: models.VarSST, Value: 28.3},
		},
	}
}

func TestUpsertAndGetStation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	station := models.Station{
		StationID: "2902746",
		Latitude:  25.45,
		Longitude: 119.85,
		Status:    models.StatusActive,
		Region:    "East China Sea",
	}
	if err := store.UpsertStation(ctx, station); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}

	got, err := store.Station(ctx, "2902746")
	if err != nil {
		t.Fatalf("Station: %v", err)
	}
	if got.Region != "East China Sea" {
		t.Errorf("Region = %q, want 'East China Sea'", got.Region)
	}
	if got.LastProfile.Valid {
		t.Errorf("LastProfile = %v, want unset", got.LastProfile)
	}

	station.Latitude = 26.0
	station.Status = models.StatusInactive
	if err := store.UpsertStation(ctx, station); err != nil {
		t.Fatalf("UpsertStation update: %v", err)
	}
	got, err = store.Station(ctx, "2902746")
	if err != nil {
		t.Fatal(err)
	}
	if got.Latitude != 26.0 || got.Status != models.StatusInactive {
		t.Errorf("station = %+v, want updated latitude and status", got)
	}
}

func TestStation_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Station(context.Background(), "nope")
	if !errors.Is(err, verify.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStations_Filter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, st := range []models.Station{
		{StationID: "A", Region: "East China Sea", Status: models.StatusActive},
		{StationID: "B", Region: "East China Sea", Status: models.StatusInactive},
		{StationID: "C", Region: "South China Sea", Status: models.StatusActive},
	} {
		if err := store.UpsertStation(ctx, st); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		filter models.StationFilter
		want   []string
	}{
		{models.StationFilter{}, []string{"A", "B", "C"}},
		{models.StationFilter{Region: "East China Sea"}, []string{"A", "B"}},
		{models.StationFilter{Status: models.StatusActive}, []string{"A", "C"}},
		{models.StationFilter{Region: "East China Sea", Status: models.StatusInactive}, []string{"B"}},
		{models.StationFilter{Region: "Arctic"}, nil},
	}
	for _, tt := range tests {
		stations, err := store.Stations(ctx, tt.filter)
		if err != nil {
			t.Fatalf("Stations(%+v): %v", tt.filter, err)
		}
		var ids []string
		for _, st := range stations {
			ids = append(ids, st.StationID)
		}
		if len(ids) != len(tt.want) {
			t.Errorf("Stations(%+v) = %v, want %v", tt.filter, ids, tt.want)
			continue
		}
		for i := range ids {
			if ids[i] != tt.want[i] {
				t.Errorf("Stations(%+v) = %v, want %v", tt.filter, ids, tt.want)
				break
			}
		}
	}
}

func TestRecordProfile(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertStation(ctx, models.Station{StationID: "2902746", Latitude: 25.45, Longitude: 119.85, Status: models.StatusInactive}); err != nil {
		t.Fatal(err)
	}

	n, err := store.RecordProfile(ctx, testProfile("2902746", observedAt))
	if err != nil {
		t.Fatalf("RecordProfile: %v", err)
	}
	if n != 4 {
		t.Errorf("inserted = %d, want 4", n)
	}

	st, err := store.Station(ctx, "2902746")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.StatusActive {
		t.Errorf("Status = %q, want active", st.Status)
	}
	if st.ProfileCount != 1 {
		t.Errorf("ProfileCount = %d, want 1", st.ProfileCount)
	}
	if !st.LastProfile.Valid || !st.LastProfile.Time.Equal(observedAt) {
		t.Errorf("LastProfile = %v, want %v", st.LastProfile, observedAt)
	}

	temps, err := store.Observations(ctx, "2902746", models.VarTemperature, observedAt.Add(-time.Hour), observedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(temps) != 2 {
		t.Fatalf("len(temps) = %d, want 2", len(temps))
	}
	if !temps[0].Depth.Valid || temps[0].Depth.Float64 != 5 || temps[0].Value != 28.1 {
		t.Errorf("temps[0] = %+v, want 28.1 at 5m", temps[0])
	}
	if !temps[0].ObservedAt.Equal(observedAt) {
		t.Errorf("ObservedAt = %v, want %v", temps[0].ObservedAt, observedAt)
	}
	if temps[0].Latitude != 25.45 {
		t.Errorf("Latitude = %v, want profile position", temps[0].Latitude)
	}

	sst, err := store.Observations(ctx, "2902746", models.VarSST, observedAt, observedAt)
	if err != nil {
		t.Fatal(err)
	}
	if len(sst) != 1 || sst[0].Depth.Valid {
		t.Errorf("sst = %+v, want one surface sample", sst)
	}
}

func TestRecordProfile_DuplicateDoesNotCount(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordProfile(ctx, testProfile("2902746", observedAt)); err != nil {
		t.Fatal(err)
	}
	n, err := store.RecordProfile(ctx, testProfile("2902746", observedAt))
	if err != nil {
		t.Fatalf("RecordProfile second: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted = %d, want 0", n)
	}

	earlier := observedAt.Add(-10 * 24 * time.Hour)
	if _, err := store.RecordProfile(ctx, testProfile("2902746", earlier)); err != nil {
		t.Fatal(err)
	}

	st, err := store.Station(ctx, "2902746")
	if err != nil {
		t.Fatal(err)
	}
	if st.ProfileCount != 2 {
		t.Errorf("ProfileCount = %d, want 2", st.ProfileCount)
	}
	if !st.LastProfile.Time.Equal(observedAt) {
		t.Errorf("LastProfile = %v, want latest %v", st.LastProfile.Time, observedAt)
	}
}

func TestMarkInactive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordProfile(ctx, testProfile("recent", observedAt)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecordProfile(ctx, testProfile("stale", observedAt.Add(-20*24*time.Hour))); err != nil {
		t.Fatal(err)
	}

	n, err := store.MarkInactive(ctx, observedAt.Add(-10*24*time.Hour))
	if err != nil {
		t.Fatalf("MarkInactive: %v", err)
	}
	if n != 1 {
		t.Errorf("changed = %d, want 1", n)
	}
	st, err := store.Station(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.StatusInactive {
		t.Errorf("stale Status = %q, want inactive", st.Status)
	}

	// A new profile reactivates the station.
	if _, err := store.RecordProfile(ctx, testProfile("stale", observedAt)); err != nil {
		t.Fatal(err)
	}
	st, _ = store.Station(ctx, "stale")
	if st.Status != models.StatusActive {
		t.Errorf("Status after new profile = %q, want active", st.Status)
	}
}

func TestRecordProfile_Invalid(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.RecordProfile(context.Background(), models.Profile{ObservedAt: observedAt})
	if !errors.Is(err, verify.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestObservations_InclusiveRange(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, at := range []time.Time{observedAt, observedAt.Add(12 * time.Hour), observedAt.Add(12*time.Hour + time.Second)} {
		if _, err := store.RecordProfile(ctx, testProfile("2902746", at)); err != nil {
			t.Fatal(err)
		}
	}

	sst, err := store.Observations(ctx, "2902746", models.VarSST, observedAt, observedAt.Add(12*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(sst) != 2 {
		t.Errorf("len(sst) = %d, want 2 (range is inclusive)", len(sst))
	}
}

func TestInsertAndGetForecasts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	issue := time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC)
	samples := []models.ForecastSample{
		{Model: "WenHai", Variable: models.VarTemperature, IssueDate: issue, LeadDays: 2, StationID: "2902746", Depth: depth(10), Value: 27.5},
		{Model: "WenHai", Variable: models.VarTemperature, IssueDate: issue, LeadDays: 2, StationID: "2902746", Depth: depth(5), Value: 28.0},
		{Model: "WenHai", Variable: models.VarSST, IssueDate: issue, LeadDays: 2, StationID: "2902746", Value: 28.4},
		{Model: "GLO12", Variable: models.VarTemperature, IssueDate: issue, LeadDays: 2, StationID: "2902746", Depth: depth(5), Value: 28.9},
	}
	n, err := store.InsertForecasts(ctx, samples)
	if err != nil {
		t.Fatalf("InsertForecasts: %v", err)
	}
	if n != 4 {
		t.Errorf("inserted = %d, want 4", n)
	}

	got, err := store.Forecasts(ctx, verify.ForecastKey{
		Model: "WenHai", Variable: models.VarTemperature, IssueDate: issue, LeadDays: 2, StationID: "2902746",
	})
	if err != nil {
		t.Fatalf("Forecasts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Depth.Float64 != 5 || got[1].Depth.Float64 != 10 {
		t.Errorf("depths = %v, %v; want 5, 10", got[0].Depth, got[1].Depth)
	}
	if !got[0].IssueDate.Equal(issue) {
		t.Errorf("IssueDate = %v, want %v", got[0].IssueDate, issue)
	}

	surface, err := store.Forecasts(ctx, verify.ForecastKey{
		Model: "WenHai", Variable: models.VarSST, IssueDate: issue, LeadDays: 2, StationID: "2902746",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(surface) != 1 || surface[0].Depth.Valid {
		t.Errorf("surface = %+v, want one sample without depth", surface)
	}

	dates, err := store.IssueDates(ctx, "WenHai", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 1 || !dates[0].Equal(issue) {
		t.Errorf("IssueDates = %v, want [%v]", dates, issue)
	}
}

func TestInsertForecasts_DuplicateRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	issue := time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC)
	first := models.ForecastSample{Model: "WenHai", Variable: models.VarSST, IssueDate: issue, LeadDays: 1, StationID: "A", Value: 28}
	if _, err := store.InsertForecasts(ctx, []models.ForecastSample{first}); err != nil {
		t.Fatal(err)
	}

	other := first
	other.StationID = "B"
	_, err := store.InsertForecasts(ctx, []models.ForecastSample{other, first})
	if !errors.Is(err, verify.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	got, err := store.Forecasts(ctx, verify.ForecastKey{Model: "WenHai", Variable: models.VarSST, IssueDate: issue, LeadDays: 1, StationID: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("batch was partially stored: %+v", got)
	}
}

func TestSummary(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, st := range []models.Station{
		{StationID: "A", Region: "East China Sea", Status: models.StatusActive},
		{StationID: "B", Region: "East China Sea", Status: models.StatusInactive},
		{StationID: "C", Region: "South China Sea", Status: models.StatusActive},
	} {
		if err := store.UpsertStation(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.RecordProfile(ctx, testProfile("A", observedAt)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecordProfile(ctx, testProfile("C", observedAt)); err != nil {
		t.Fatal(err)
	}

	sum, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Active != 2 || sum.Inactive != 1 {
		t.Errorf("Active/Inactive = %d/%d, want 2/1", sum.Active, sum.Inactive)
	}
	if sum.TotalProfiles != 2 {
		t.Errorf("TotalProfiles = %d, want 2", sum.TotalProfiles)
	}
	if len(sum.Regions) != 2 || sum.Regions[0] != "East China Sea" {
		t.Errorf("Regions = %v", sum.Regions)
	}
	if sum.Variables != len(models.Variables) {
		t.Errorf("Variables = %d, want %d", sum.Variables, len(models.Variables))
	}
}

func TestIngestRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartIngestRun(ctx, "ftp", "/forecasts/WenHai_20250805.csv")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}
	if run.ID == 0 || run.RunID == "" {
		t.Error("run ids should be set")
	}

	run.Counts(10, 9, 1)
	run.Success = true
	if err := store.CompleteIngestRun(ctx, run); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}

	failed, err := store.StartIngestRun(ctx, "kafka", "argo-profiles")
	if err != nil {
		t.Fatal(err)
	}
	failed.Fail(errors.New("broker unavailable"))
	if err := store.CompleteIngestRun(ctx, failed); err != nil {
		t.Fatal(err)
	}

	errs, err := store.GetRecentIngestErrors(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentIngestErrors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}
	if errs[0].ErrorMessage.String != "broker unavailable" {
		t.Errorf("ErrorMessage = %q, want 'broker unavailable'", errs[0].ErrorMessage.String)
	}
	if errs[0].Source != "kafka" {
		t.Errorf("Source = %q, want kafka", errs[0].Source)
	}
}

func TestRawFiles_Dedup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartIngestRun(ctx, "ftp", "WenHai_20250805.csv")
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("model,variable,issue_date,lead_days,station_id,depth,value\n")

	if seen, err := store.HasRawFile(ctx, HashPayload(payload)); err != nil || seen {
		t.Fatalf("HasRawFile before store = %v, %v", seen, err)
	}
	stored, err := store.StoreRawFile(ctx, run.RunID, "WenHai_20250805.csv", payload)
	if err != nil || !stored {
		t.Fatalf("StoreRawFile = %v, %v", stored, err)
	}
	stored, err = store.StoreRawFile(ctx, run.RunID, "copy.csv", payload)
	if err != nil {
		t.Fatal(err)
	}
	if stored {
		t.Error("identical payload stored twice")
	}
	if seen, _ := store.HasRawFile(ctx, HashPayload(payload)); !seen {
		t.Error("HasRawFile = false after store")
	}
}

func TestMigrationVersion(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion(context.Background())
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("MigrationVersion = %d, want %d", version, len(migrations))
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}
