package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autolens/autolens-api/internal/domain/credit"
	"github.com/autolens/autolens-api/internal/pkg/queue"
	"github.com/autolens/autolens-api/internal/pkg/vision"
)

// Enqueuer is the queue surface the orchestrator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload any, opts ...queue.Option) (string, error)
}

// ImageSource fetches stored report photos by key.
type ImageSource interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Analyzer produces one inspection result per image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, contentType string, info vision.VehicleInfo) (*vision.Result, error)
}

// ImagePreparer downscales and re-encodes a photo before it is sent to
// the analyzer.
type ImagePreparer interface {
	PrepareForAnalysis(data []byte) ([]byte, string, error)
}

// ServiceConfig tunes one orchestrator instance.
type ServiceConfig struct {
	// Cost is the credit price of one analysis.
	Cost int

	// SkipCreditCheck disables all ledger interaction. Development
	// environments only.
	SkipCreditCheck bool

	// ImageAttempts is the per-image analyzer retry ceiling (default 2).
	ImageAttempts int

	// ImageRetryDelay separates per-image attempts (default 2s).
	ImageRetryDelay time.Duration

	// ExpectedDuration calibrates the synthetic progress fraction
	// reported while a job is running (default 45s).
	ExpectedDuration time.Duration
}

func (c *ServiceConfig) withDefaults() {
	if c.ImageAttempts <= 0 {
		c.ImageAttempts = 2
	}
	if c.ImageRetryDelay <= 0 {
		c.ImageRetryDelay = 2 * time.Second
	}
	if c.ExpectedDuration <= 0 {
		c.ExpectedDuration = 45 * time.Second
	}
}

// Service orchestrates the analysis pipeline: it owns the report state
// machine, charges and refunds the credit ledger, and drives the
// per-image analyzer calls executed by the queue worker.
type Service struct {
	repo     Repository
	ledger   credit.Service
	enqueuer Enqueuer
	images   ImageSource
	analyzer Analyzer
	cache    *vision.ResultCache
	preparer ImagePreparer
	cfg      ServiceConfig
}

func NewService(
	repo Repository,
	ledger credit.Service,
	enqueuer Enqueuer,
	images ImageSource,
	analyzer Analyzer,
	cache *vision.ResultCache,
	preparer ImagePreparer,
	cfg ServiceConfig,
) *Service {
	cfg.withDefaults()
	return &Service{
		repo:     repo,
		ledger:   ledger,
		enqueuer: enqueuer,
		images:   images,
		analyzer: analyzer,
		cache:    cache,
		preparer: preparer,
		cfg:      cfg,
	}
}

// Start validates the request, creates the report in processing state,
// enqueues the analysis job and charges the account. Insufficient
// balance at the pre-check leaves no report behind.
func (s *Service) Start(ctx context.Context, userID uuid.UUID, req *StartRequest) (*StartResponse, error) {
	if len(req.ImageKeys) == 0 {
		return nil, ErrNoImages
	}
	if req.VehicleYear < 1950 || req.VehicleYear > time.Now().Year()+1 {
		return nil, fmt.Errorf("%w: implausible vehicle year %d", ErrInvalidVehicle, req.VehicleYear)
	}

	analysisType := req.AnalysisType
	if analysisType == "" {
		analysisType = string(AnalysisTypeStandard)
	}

	cost := s.cfg.Cost
	if s.cfg.SkipCreditCheck {
		cost = 0
	}

	if !s.cfg.SkipCreditCheck {
		if err := s.ledger.CheckBalance(ctx, userID, cost); err != nil {
			return nil, err
		}
	}

	rep := &Report{
		ID:           uuid.New().String(),
		UserID:       userID.String(),
		VehicleMake:  req.VehicleMake,
		VehicleModel: req.VehicleModel,
		VehicleYear:  req.VehicleYear,
		PlateNumber:  req.PlateNumber,
		AnalysisType: analysisType,
		Status:       StatusProcessing,
		Cost:         cost,
		RefundStatus: RefundStatusNone,
	}

	if err := s.repo.Create(ctx, rep, req.ImageKeys); err != nil {
		return nil, err
	}

	payload := JobPayload{ReportID: rep.ID, AnalysisType: analysisType}
	if _, err := s.enqueuer.Enqueue(ctx, JobID(rep.ID), payload); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		log.Error().Err(err).Str("report_id", rep.ID).Msg("Failed to enqueue analysis job")
		if ferr := s.repo.MarkFailed(ctx, rep.ID, "could not schedule analysis", RefundStatusNone); ferr != nil {
			log.Error().Err(ferr).Str("report_id", rep.ID).Msg("Failed to mark report failed after enqueue error")
		}
		return nil, fmt.Errorf("%w: enqueue analysis", ErrInternal)
	}

	if !s.cfg.SkipCreditCheck {
		reportUUID, _ := uuid.Parse(rep.ID)
		if err := s.ledger.Debit(ctx, userID, cost, reportUUID, "vehicle analysis"); err != nil {
			// Balance raced below cost between check and debit. The
			// queued job finds the report terminal and skips it.
			log.Warn().Err(err).Str("report_id", rep.ID).Str("user_id", rep.UserID).Msg("Debit failed after enqueue")
			if ferr := s.repo.MarkFailed(ctx, rep.ID, "payment failed", RefundStatusNone); ferr != nil {
				log.Error().Err(ferr).Str("report_id", rep.ID).Msg("Failed to mark report failed after debit error")
			}
			return nil, err
		}
	}

	log.Info().
		Str("report_id", rep.ID).
		Str("user_id", rep.UserID).
		Str("analysis_type", analysisType).
		Int("images", len(req.ImageKeys)).
		Int("cost", cost).
		Msg("Analysis started")

	return &StartResponse{ReportID: rep.ID, Status: rep.Status, Cost: cost}, nil
}

// Resubmit re-enqueues the analysis job of a non-terminal report. The
// deterministic job id makes this idempotent: if the job is already
// queued or running, the call coalesces into it.
func (s *Service) Resubmit(ctx context.Context, userID uuid.UUID, reportID string) error {
	rep, err := s.ownedReport(ctx, userID, reportID)
	if err != nil {
		return err
	}
	if rep.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	payload := JobPayload{ReportID: rep.ID, AnalysisType: rep.AnalysisType}
	_, err = s.enqueuer.Enqueue(ctx, JobID(rep.ID), payload)
	if errors.Is(err, queue.ErrDuplicateJob) {
		log.Info().Str("report_id", rep.ID).Msg("Resubmit coalesced into queued job")
		return nil
	}
	return err
}

// HandleJob adapts Perform to the queue handler contract. Business
// failures that retrying cannot fix settle the report and stop the
// retry loop; transient failures are surfaced to the queue, and the
// report is settled only once the job runs out of attempts.
func (s *Service) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload JobPayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Unrecoverable(fmt.Errorf("decode payload: %w", err))
	}

	err := s.Perform(ctx, payload.ReportID)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrNoImages) {
		// Validation failure: settle without touching the ledger.
		s.settleFailed(ctx, payload.ReportID, err, false)
		return queue.Unrecoverable(err)
	}
	if errors.Is(err, ErrIncompleteResult) {
		s.settleFailed(ctx, payload.ReportID, err, true)
		return queue.Unrecoverable(err)
	}

	if job.Attempts >= job.MaxAttempts {
		s.settleFailed(ctx, payload.ReportID, err, true)
	}
	return err
}

// Perform runs one analysis attempt for the report: fetch every image,
// call the analyzer, combine the per-image results and persist the
// outcome. Terminal reports are skipped so stale or duplicate jobs are
// harmless.
func (s *Service) Perform(ctx context.Context, reportID string) error {
	rep, err := s.repo.GetByID(ctx, reportID)
	if err != nil {
		return err
	}
	if rep.Status.Terminal() {
		log.Info().Str("report_id", reportID).Str("status", string(rep.Status)).Msg("Skipping terminal report")
		return nil
	}

	images, err := s.repo.GetImages(ctx, reportID)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return ErrNoImages
	}

	info := vision.VehicleInfo{
		Make:        rep.VehicleMake,
		Model:       rep.VehicleModel,
		Year:        rep.VehicleYear,
		PlateNumber: rep.PlateNumber,
	}

	started := time.Now()
	results := make([]AttemptResult, 0, len(images))
	for _, img := range images {
		res, err := s.analyzeImage(ctx, img, info)
		if err != nil {
			// Fail fast: a partial report would misrepresent the
			// vehicle, so one lost image fails the whole run.
			return fmt.Errorf("image %s: %w", img.ID, err)
		}
		results = append(results, AttemptResult{ImageID: img.ID, Result: res})
	}

	combined, err := Combine(results)
	if err != nil {
		return err
	}

	data, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("%w: encode result", ErrInternal)
	}

	if err := s.repo.MarkCompleted(ctx, reportID, data); err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			log.Warn().Str("report_id", reportID).Msg("Report settled elsewhere, dropping result")
			return nil
		}
		return err
	}

	log.Info().
		Str("report_id", reportID).
		Int("images", len(images)).
		Int("findings", len(combined.Findings)).
		Dur("took", time.Since(started)).
		Msg("Analysis completed")

	return nil
}

func (s *Service) analyzeImage(ctx context.Context, img Image, info vision.VehicleInfo) (*vision.Result, error) {
	rc, err := s.images.Get(ctx, img.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	contentType := "image/jpeg"
	if s.preparer != nil {
		prepared, ct, perr := s.preparer.PrepareForAnalysis(data)
		if perr != nil {
			log.Warn().Err(perr).Str("image_id", img.ID).Msg("Image preparation failed, sending original")
		} else {
			data, contentType = prepared, ct
		}
	}

	cacheKey := vision.Key(data)
	if s.cache != nil {
		if cached := s.cache.Get(cacheKey); cached != nil {
			log.Debug().Str("image_id", img.ID).Msg("Analyzer cache hit")
			return cached, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ImageAttempts; attempt++ {
		res, err := s.analyzer.Analyze(ctx, data, contentType, info)
		if err == nil {
			if s.cache != nil {
				s.cache.Set(cacheKey, res)
			}
			return res, nil
		}
		lastErr = err

		log.Warn().
			Err(err).
			Str("image_id", img.ID).
			Int("attempt", attempt).
			Msg("Analyzer call failed")

		if attempt < s.cfg.ImageAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.ImageRetryDelay):
			}
		}
	}

	return nil, lastErr
}

// settleFailed moves the report to failed and compensates the charge.
// Refund is idempotent per report, so settling twice cannot double
// credit.
// settleTimeout bounds the settlement writes once the attempt context
// is no longer trustworthy.
const settleTimeout = 10 * time.Second

func (s *Service) settleFailed(ctx context.Context, reportID string, cause error, refund bool) {
	// The attempt that brought us here may have died on its own
	// deadline. Settlement still has to land: the report must leave
	// processing and the debit must be compensated, so run the writes
	// on a context detached from the attempt's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	rep, err := s.repo.GetByID(ctx, reportID)
	if err != nil {
		log.Error().Err(err).Str("report_id", reportID).Msg("Failed to load report for settlement")
		return
	}
	if rep.Status.Terminal() {
		return
	}

	refundStatus := RefundStatusNone
	if refund && rep.Cost > 0 && !s.cfg.SkipCreditCheck {
		userID, uerr := uuid.Parse(rep.UserID)
		reportUUID, rerr := uuid.Parse(rep.ID)
		if uerr != nil || rerr != nil {
			refundStatus = RefundStatusFailed
		} else if err := s.ledger.Refund(ctx, userID, rep.Cost, reportUUID, "analysis failed"); err != nil {
			refundStatus = RefundStatusFailed
			log.Error().
				Err(err).
				Str("report_id", rep.ID).
				Str("user_id", rep.UserID).
				Int("amount", rep.Cost).
				Msg("Refund failed, account needs manual reconciliation")
		} else {
			refundStatus = RefundStatusRefunded
		}
	}

	if err := s.repo.MarkFailed(ctx, reportID, cause.Error(), refundStatus); err != nil {
		if !errors.Is(err, ErrAlreadyTerminal) {
			log.Error().Err(err).Str("report_id", reportID).Msg("Failed to mark report failed")
		}
		return
	}

	log.Info().
		Str("report_id", reportID).
		Str("refund_status", string(refundStatus)).
		Str("reason", cause.Error()).
		Msg("Analysis failed, report settled")
}

// GetReport returns the full report view for its owner.
func (s *Service) GetReport(ctx context.Context, userID uuid.UUID, reportID string) (*DetailResponse, error) {
	rep, err := s.ownedReport(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}
	return toDetailResponse(rep), nil
}

// GetStatus returns the polling view: state, synthetic progress while
// running, and the user-facing error plus refund outcome once failed.
func (s *Service) GetStatus(ctx context.Context, userID uuid.UUID, reportID string) (*StatusResponse, error) {
	rep, err := s.ownedReport(ctx, userID, reportID)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{ID: rep.ID, Status: rep.Status}

	switch rep.Status {
	case StatusPending, StatusProcessing:
		p := s.progress(rep)
		resp.Progress = &p
	case StatusCompleted:
		resp.Data = rep.Result
	case StatusFailed:
		resp.FailedReason = rep.FailedReason
		resp.RefundStatus = rep.RefundStatus
		if rep.RefundStatus == RefundStatusFailed {
			resp.Error = ErrRefundFailed.Error()
		} else {
			resp.Error = ErrAnalysisFailed.Error()
		}
	}

	return resp, nil
}

// ListReports returns the owner's reports, newest first.
func (s *Service) ListReports(ctx context.Context, userID uuid.UUID, limit, offset int) ([]DetailResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	reports, err := s.repo.ListByUser(ctx, userID.String(), limit, offset)
	if err != nil {
		return nil, err
	}

	out := make([]DetailResponse, 0, len(reports))
	for i := range reports {
		out = append(out, *toDetailResponse(&reports[i]))
	}
	return out, nil
}

// progress estimates completion from elapsed time against the expected
// duration. Capped below 1 so only a real completion reads done.
func (s *Service) progress(rep *Report) float64 {
	elapsed := time.Since(rep.CreatedAt)
	frac := float64(elapsed) / float64(s.cfg.ExpectedDuration)
	if frac > 0.95 {
		frac = 0.95
	}
	if frac < 0 {
		frac = 0
	}
	return frac
}

func (s *Service) ownedReport(ctx context.Context, userID uuid.UUID, reportID string) (*Report, error) {
	rep, err := s.repo.GetByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if rep.UserID != userID.String() {
		return nil, ErrForbidden
	}
	return rep, nil
}
