package vision

import (
	"fmt"
	"time"
)

// VehicleInfo is the context sent alongside each photo.
type VehicleInfo struct {
	Make        string `json:"make"`
	Model       string `json:"model"`
	Year        int    `json:"year"`
	PlateNumber string `json:"plate_number,omitempty"`
}

// Finding is one itemized observation on a photo.
type Finding struct {
	Area        string `json:"area"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	RepairHint  string `json:"repair_hint,omitempty"`
}

// Result is the structured payload the vision provider returns for a
// single photo. Summary, Findings, Confidence, provider identifiers and
// AnalyzedAt are mandatory; their absence is a contract violation, not
// something to paper over with defaults.
type Result struct {
	Summary          string    `json:"summary"`
	OverallCondition string    `json:"overall_condition"`
	Narrative        string    `json:"narrative,omitempty"`
	Findings         []Finding `json:"findings"`
	Confidence       float64   `json:"confidence"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	AnalyzedAt       time.Time `json:"analyzed_at"`
}

// Validate checks the mandatory fields of the provider contract. Used
// both at the HTTP boundary and again after result combination.
func (r *Result) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty result", ErrContractViolation)
	}
	if r.Summary == "" {
		return fmt.Errorf("%w: missing summary", ErrContractViolation)
	}
	if r.Findings == nil {
		return fmt.Errorf("%w: missing findings", ErrContractViolation)
	}
	if r.Confidence <= 0 {
		return fmt.Errorf("%w: missing confidence", ErrContractViolation)
	}
	if r.Provider == "" || r.Model == "" {
		return fmt.Errorf("%w: missing provider identifiers", ErrContractViolation)
	}
	if r.AnalyzedAt.IsZero() {
		return fmt.Errorf("%w: missing analysis timestamp", ErrContractViolation)
	}
	return nil
}
