package report

import "errors"

var (
	// ErrNotFound is returned when the report doesn't exist
	ErrNotFound = errors.New("report not found")

	// ErrForbidden is returned when a user reads another user's report
	ErrForbidden = errors.New("report belongs to another user")

	// ErrNoImages is returned when an analysis has no photos to inspect
	ErrNoImages = errors.New("report has no images")

	// ErrInvalidVehicle is returned on implausible vehicle input
	ErrInvalidVehicle = errors.New("invalid vehicle information")

	// ErrAlreadyTerminal is returned on an attempt to mutate a
	// completed or failed report
	ErrAlreadyTerminal = errors.New("report already in a terminal state")

	// ErrAnalysisFailed means the analysis failed and the charge was
	// refunded
	ErrAnalysisFailed = errors.New("analysis failed, credit refunded")

	// ErrRefundFailed means the analysis failed AND the compensating
	// refund did not apply; requires support intervention
	ErrRefundFailed = errors.New("analysis failed and refund could not be applied, contact support")

	// ErrIncompleteResult marks a combined result missing mandatory fields
	ErrIncompleteResult = errors.New("combined analysis result is missing mandatory fields")

	ErrInternal = errors.New("internal error")
)
