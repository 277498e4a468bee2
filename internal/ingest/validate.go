package ingest

import (
	"math"

	"github.com/lox/argoverify/internal/models"
)

const (
	FlagUnknownVariable = "unknown_variable"
	FlagValueOutOfRange = "value_out_of_range"
	FlagValueNotFinite  = "value_not_finite"
	FlagDepthMissing    = "depth_missing"
	FlagDepthInvalid    = "depth_invalid"
	FlagDepthUnexpected = "depth_unexpected"
	FlagLeadInvalid     = "lead_invalid"
	FlagStationMissing  = "station_missing"
	FlagModelMissing    = "model_missing"
	FlagModelUnknown    = "model_unknown"
)

// ValidateSample checks a single value against the variable table. Profile
// variables need a non-negative depth; surface variables must not carry one.
func ValidateSample(v models.Variable, depth *float64, value float64) []string {
	var flags []string

	spec, ok := v.Spec()
	if !ok {
		return []string{FlagUnknownVariable}
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		flags = append(flags, FlagValueNotFinite)
	} else if !v.InRange(value) {
		flags = append(flags, FlagValueOutOfRange)
	}

	switch {
	case spec.Profile && depth == nil:
		flags = append(flags, FlagDepthMissing)
	case spec.Profile && (*depth < 0 || math.IsNaN(*depth)):
		flags = append(flags, FlagDepthInvalid)
	case !spec.Profile && depth != nil:
		flags = append(flags, FlagDepthUnexpected)
	}

	return flags
}

func ValidateObservation(o models.ObservationSample) []string {
	return ValidateSample(o.Variable, depthPtr(o.Depth.Float64, o.Depth.Valid), o.Value)
}

// ValidateForecast adds model, station and lead checks to ValidateSample.
func ValidateForecast(f models.ForecastSample, maxLead int) []string {
	var flags []string
	if f.Model == "" {
		flags = append(flags, FlagModelMissing)
	}
	if f.StationID == "" {
		flags = append(flags, FlagStationMissing)
	}
	if f.LeadDays < 1 || f.LeadDays > maxLead {
		flags = append(flags, FlagLeadInvalid)
	}
	return append(flags, ValidateSample(f.Variable, depthPtr(f.Depth.Float64, f.Depth.Valid), f.Value)...)
}

func depthPtr(d float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &d
}
