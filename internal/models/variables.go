package models

import (
	"fmt"
	"strings"
)

type Variable string

const (
	VarTemperature Variable = "T"
	VarSalinity    Variable = "S"
	VarSST         Variable = "SST"
	VarSLA         Variable = "SLA"
	VarU           Variable = "U"
	VarV           Variable = "V"
)

// VariableSpec is the static configuration for a verified field.
type VariableSpec struct {
	Variable    Variable `json:"id"`
	Label       string   `json:"label"`
	Unit        string   `json:"unit"`
	Min         float64  `json:"min"`
	Max         float64  `json:"max"`
	Profile     bool     `json:"profile"`
	Description string   `json:"description"`
}

// Variables lists every supported variable in display order.
var Variables = []VariableSpec{
	{Variable: VarTemperature, Label: "Temperature profile", Unit: "°C", Min: -2.5, Max: 40, Profile: true, Description: "sea water temperature profile"},
	{Variable: VarSalinity, Label: "Salinity profile", Unit: "PSU", Min: 0, Max: 42, Profile: true, Description: "sea water salinity profile"},
	{Variable: VarSST, Label: "SST", Unit: "°C", Min: -2.5, Max: 40, Description: "sea surface temperature"},
	{Variable: VarSLA, Label: "SLA", Unit: "m", Min: -3, Max: 3, Description: "sea level anomaly"},
	{Variable: VarU, Label: "15-m zonal current", Unit: "m/s", Min: -5, Max: 5, Description: "eastward current at 15 m"},
	{Variable: VarV, Label: "15-m meridional current", Unit: "m/s", Min: -5, Max: 5, Description: "northward current at 15 m"},
}

var variableIndex = func() map[Variable]VariableSpec {
	m := make(map[Variable]VariableSpec, len(Variables))
	for _, v := range Variables {
		m[v.Variable] = v
	}
	return m
}()

// Spec returns the configuration for v. There is no fallback for unknown variables.
func (v Variable) Spec() (VariableSpec, bool) {
	s, ok := variableIndex[v]
	return s, ok
}

func (v Variable) Valid() bool {
	_, ok := variableIndex[v]
	return ok
}

// IsProfile reports whether v has a depth dimension.
func (v Variable) IsProfile() bool {
	return variableIndex[v].Profile
}

func (v Variable) InRange(value float64) bool {
	s, ok := variableIndex[v]
	if !ok {
		return false
	}
	return value >= s.Min && value <= s.Max
}

// ParseVariable accepts the case-insensitive variable id.
func ParseVariable(s string) (Variable, error) {
	v := Variable(strings.ToUpper(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown variable %q", s)
	}
	return v, nil
}

// ValidateVariables checks the static table; it is run once at startup.
func ValidateVariables() error {
	if len(variableIndex) != len(Variables) {
		return fmt.Errorf("variable table has duplicate ids")
	}
	for _, v := range Variables {
		if v.Unit == "" {
			return fmt.Errorf("variable %s: missing unit", v.Variable)
		}
		if !(v.Min < v.Max) {
			return fmt.Errorf("variable %s: invalid range [%v, %v]", v.Variable, v.Min, v.Max)
		}
	}
	return nil
}
