package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

type Repository interface {
	Create(ctx context.Context, r *Report, imageKeys []string) error
	GetByID(ctx context.Context, id string) (*Report, error)
	GetImages(ctx context.Context, reportID string) ([]Image, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id, reason string, refundStatus RefundStatus) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Report, error)
}

// ReportRepository persists reports and their images.
type ReportRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Create inserts the report and its image rows in one transaction.
func (r *ReportRepository) Create(ctx context.Context, report *Report, imageKeys []string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx2, `
		INSERT INTO reports (
			id, user_id, vehicle_make, vehicle_model, vehicle_year,
			plate_number, analysis_type, status, cost, refund_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, report.ID, report.UserID, report.VehicleMake, report.VehicleModel, report.VehicleYear,
		report.PlateNumber, report.AnalysisType, report.Status, report.Cost, report.RefundStatus)
	if err != nil {
		return fmt.Errorf("%w: insert report", ErrInternal)
	}

	for i, key := range imageKeys {
		_, err = tx.ExecContext(ctx2, `
			INSERT INTO report_images (id, report_id, storage_key, position)
			VALUES ($1, $2, $3, $4)
		`, uuid.New().String(), report.ID, key, i)
		if err != nil {
			return fmt.Errorf("%w: insert report image", ErrInternal)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

func (r *ReportRepository) GetByID(ctx context.Context, id string) (*Report, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var report Report
	err := r.db.GetContext(ctx2, &report, `
		SELECT id, user_id, vehicle_make, vehicle_model, vehicle_year,
		       plate_number, analysis_type, status, cost, result,
		       failed_reason, refund_status, created_at, completed_at
		FROM reports
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get report", ErrInternal)
	}

	return &report, nil
}

func (r *ReportRepository) GetImages(ctx context.Context, reportID string) ([]Image, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	images := make([]Image, 0)
	err := r.db.SelectContext(ctx2, &images, `
		SELECT id, report_id, storage_key, position, created_at
		FROM report_images
		WHERE report_id = $1
		ORDER BY position ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("%w: get report images", ErrInternal)
	}

	return images, nil
}

// MarkCompleted moves a processing report to completed. The status
// guard in the WHERE clause is what makes terminal states sticky.
func (r *ReportRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, `
		UPDATE reports
		SET status = $2, result = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, StatusCompleted, result, StatusProcessing)
	if err != nil {
		return fmt.Errorf("%w: mark completed", ErrInternal)
	}

	return r.checkMutated(ctx2, res, id)
}

// MarkFailed moves a non-terminal report to failed, recording the
// reason and whether the refund applied.
func (r *ReportRepository) MarkFailed(ctx context.Context, id, reason string, refundStatus RefundStatus) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, `
		UPDATE reports
		SET status = $2, failed_reason = $3, refund_status = $4, completed_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, StatusFailed, reason, refundStatus, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("%w: mark failed", ErrInternal)
	}

	return r.checkMutated(ctx2, res, id)
}

func (r *ReportRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Report, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	reports := make([]Report, 0)
	err := r.db.SelectContext(ctx2, &reports, `
		SELECT id, user_id, vehicle_make, vehicle_model, vehicle_year,
		       plate_number, analysis_type, status, cost, result,
		       failed_reason, refund_status, created_at, completed_at
		FROM reports
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list reports", ErrInternal)
	}

	return reports, nil
}

func (r *ReportRepository) checkMutated(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a missing report from an already-terminal one.
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM reports WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("%w: check report exists", ErrInternal)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyTerminal
}
