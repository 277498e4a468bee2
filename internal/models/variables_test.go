package models

import (
	"testing"
	"time"
)

func TestParseVariable(t *testing.T) {
	tests := []struct {
		in      string
		want    Variable
		wantErr bool
	}{
		{"T", VarTemperature, false},
		{"sst", VarSST, false},
		{" SLA ", VarSLA, false},
		{"W", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVariable(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVariable(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseVariable(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestVariableProfiles(t *testing.T) {
	for _, v := range []Variable{VarTemperature, VarSalinity} {
		if !v.IsProfile() {
			t.Errorf("%s.IsProfile() = false, want true", v)
		}
	}
	for _, v := range []Variable{VarSST, VarSLA, VarU, VarV, Variable("X")} {
		if v.IsProfile() {
			t.Errorf("%s.IsProfile() = true, want false", v)
		}
	}
}

func TestInRange(t *testing.T) {
	if !VarSLA.InRange(0.2) {
		t.Error("SLA 0.2 should be in range")
	}
	if VarSLA.InRange(4) {
		t.Error("SLA 4 should be out of range")
	}
	if Variable("X").InRange(0) {
		t.Error("unknown variable should never be in range")
	}
}

func TestValidateVariables(t *testing.T) {
	if err := ValidateVariables(); err != nil {
		t.Fatalf("ValidateVariables: %v", err)
	}
}

func TestValidTime(t *testing.T) {
	issue := time.Date(2025, 8, 5, 14, 30, 0, 0, time.UTC)
	got := ValidTime(issue, 3)
	want := time.Date(2025, 8, 8, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ValidTime = %v, want %v", got, want)
	}
}
