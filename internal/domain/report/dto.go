package report

import (
	"encoding/json"
	"time"
)

// StartRequest is the payload for POST /reports.
type StartRequest struct {
	VehicleMake  string   `json:"vehicle_make" validate:"required,max=60"`
	VehicleModel string   `json:"vehicle_model" validate:"required,max=60"`
	VehicleYear  int      `json:"vehicle_year" validate:"required,vehicle_year"`
	PlateNumber  string   `json:"plate_number" validate:"max=16"`
	AnalysisType string   `json:"analysis_type" validate:"omitempty,analysis_type"`
	ImageKeys    []string `json:"image_keys" validate:"required,min=1,max=12,dive,storage_key"`
}

// StartResponse returns the report id immediately; analysis runs
// out-of-band.
type StartResponse struct {
	ReportID string `json:"report_id"`
	Status   Status `json:"status"`
	Cost     int    `json:"cost"`
}

// StatusResponse is the polling surface consumed by clients.
type StatusResponse struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	Progress     *float64        `json:"progress,omitempty"`
	Error        string          `json:"error,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	RefundStatus RefundStatus    `json:"refund_status,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// DetailResponse is the full owner-facing report view.
type DetailResponse struct {
	ID           string          `json:"id"`
	VehicleMake  string          `json:"vehicle_make"`
	VehicleModel string          `json:"vehicle_model"`
	VehicleYear  int             `json:"vehicle_year"`
	PlateNumber  string          `json:"plate_number,omitempty"`
	AnalysisType string          `json:"analysis_type"`
	Status       Status          `json:"status"`
	Cost         int             `json:"cost"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	RefundStatus RefundStatus    `json:"refund_status,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func toDetailResponse(r *Report) *DetailResponse {
	return &DetailResponse{
		ID:           r.ID,
		VehicleMake:  r.VehicleMake,
		VehicleModel: r.VehicleModel,
		VehicleYear:  r.VehicleYear,
		PlateNumber:  r.PlateNumber,
		AnalysisType: r.AnalysisType,
		Status:       r.Status,
		Cost:         r.Cost,
		Result:       r.Result,
		FailedReason: r.FailedReason,
		RefundStatus: r.RefundStatus,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
}
