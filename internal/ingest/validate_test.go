package ingest

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lox/argoverify/internal/models"
)

func ptr(f float64) *float64 { return &f }

func TestValidateSample(t *testing.T) {
	tests := []struct {
		name  string
		v     models.Variable
		depth *float64
		value float64
		want  []string
	}{
		{"valid temperature", models.VarTemperature, ptr(10), 22.5, nil},
		{"valid sst", models.VarSST, nil, 28.1, nil},
		{"temperature too hot", models.VarTemperature, ptr(10), 45, []string{FlagValueOutOfRange}},
		{"salinity negative", models.VarSalinity, ptr(10), -1, []string{FlagValueOutOfRange}},
		{"sla too large", models.VarSLA, nil, 3.5, []string{FlagValueOutOfRange}},
		{"profile without depth", models.VarSalinity, nil, 34, []string{FlagDepthMissing}},
		{"negative depth", models.VarTemperature, ptr(-5), 20, []string{FlagDepthInvalid}},
		{"surface with depth", models.VarSST, ptr(5), 20, []string{FlagDepthUnexpected}},
		{"nan value", models.VarSST, nil, math.NaN(), []string{FlagValueNotFinite}},
		{"unknown variable", "CHL", nil, 1, []string{FlagUnknownVariable}},
		{"several problems", models.VarTemperature, nil, 99, []string{FlagValueOutOfRange, FlagDepthMissing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateSample(tt.v, tt.depth, tt.value))
		})
	}
}

func TestValidateSample_BoundaryValues(t *testing.T) {
	spec, ok := models.VarSalinity.Spec()
	assert.True(t, ok)
	assert.Empty(t, ValidateSample(models.VarSalinity, ptr(0), spec.Min))
	assert.Empty(t, ValidateSample(models.VarSalinity, ptr(0), spec.Max))
	assert.NotEmpty(t, ValidateSample(models.VarSalinity, ptr(0), spec.Max+0.01))
}

func TestValidateForecast(t *testing.T) {
	base := models.ForecastSample{
		Model: "WenHai", Variable: models.VarTemperature, IssueDate: time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC),
		LeadDays: 3, StationID: "2902746", Depth: sql.NullFloat64{Float64: 10, Valid: true}, Value: 25,
	}
	assert.Empty(t, ValidateForecast(base, 10))

	bad := base
	bad.LeadDays = 11
	assert.Equal(t, []string{FlagLeadInvalid}, ValidateForecast(bad, 10))

	bad = base
	bad.LeadDays = 0
	assert.Equal(t, []string{FlagLeadInvalid}, ValidateForecast(bad, 10))

	bad = base
	bad.Model, bad.StationID = "", ""
	assert.Equal(t, []string{FlagModelMissing, FlagStationMissing}, ValidateForecast(bad, 10))
}

func TestValidateObservation(t *testing.T) {
	o := models.ObservationSample{Variable: models.VarTemperature, Depth: sql.NullFloat64{Float64: 5, Valid: true}, Value: 28}
	assert.Empty(t, ValidateObservation(o))

	o.Depth = sql.NullFloat64{}
	assert.Equal(t, []string{FlagDepthMissing}, ValidateObservation(o))
}
