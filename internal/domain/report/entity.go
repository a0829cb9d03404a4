package report

import (
	"encoding/json"
	"time"
)

// Status is the report lifecycle state. Transitions only run
// pending → processing → {completed, failed}; terminal states are never
// left again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further status transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RefundStatus records what happened to the charge of a failed report.
type RefundStatus string

const (
	RefundStatusNone     RefundStatus = "none"
	RefundStatusRefunded RefundStatus = "refunded"
	// RefundStatusFailed means the refund itself did not apply and the
	// account needs manual reconciliation.
	RefundStatusFailed RefundStatus = "refund_failed"
)

// AnalysisType selects the inspection depth.
type AnalysisType string

const (
	AnalysisTypeStandard AnalysisType = "standard"
	AnalysisTypeDetailed AnalysisType = "detailed"
)

// Report is the system of record for one inspection request.
type Report struct {
	ID           string          `db:"id"`
	UserID       string          `db:"user_id"`
	VehicleMake  string          `db:"vehicle_make"`
	VehicleModel string          `db:"vehicle_model"`
	VehicleYear  int             `db:"vehicle_year"`
	PlateNumber  string          `db:"plate_number"`
	AnalysisType string          `db:"analysis_type"`
	Status       Status          `db:"status"`
	Cost         int             `db:"cost"`
	Result       json.RawMessage `db:"result"`
	FailedReason string          `db:"failed_reason"`
	RefundStatus RefundStatus    `db:"refund_status"`
	CreatedAt    time.Time       `db:"created_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
}

// Image is one uploaded photo attached to a report.
type Image struct {
	ID         string    `db:"id"`
	ReportID   string    `db:"report_id"`
	StorageKey string    `db:"storage_key"`
	Position   int       `db:"position"`
	CreatedAt  time.Time `db:"created_at"`
}

// JobPayload is the queue message for one analysis run.
type JobPayload struct {
	ReportID     string `json:"report_id"`
	AnalysisType string `json:"analysis_type"`
}

// JobID derives the deterministic queue job id for a report. One report
// maps to one job id, which is what lets the queue coalesce duplicate
// submissions.
func JobID(reportID string) string {
	return "analysis:" + reportID
}
