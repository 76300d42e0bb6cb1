// Package transfer moves completed OCR jobs from a church's OCR database into
// the records database and keeps the two sides consistent.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/database"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/services/triage"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Defaults applied when Config leaves a field zero
const (
	DefaultTimeout         = 60 * time.Second
	DefaultMaxRetries      = 5
	DefaultBatchSize       = 10
	DefaultReconcileWindow = 24 * time.Hour
)

// Resolver yields the database pools of a tenant
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (*database.Conns, error)
}

// Config tunes the transfer service
type Config struct {
	Policy          triage.Policy
	ConfidenceScale triage.Scale
	Timeout         time.Duration
	MaxRetries      int
	BatchSize       int
	// ReconcileWindow bounds how far back Reconcile looks for unmarked jobs
	ReconcileWindow time.Duration
}

// JobFailure is one job a batch could not move
type JobFailure struct {
	JobID int64  `json:"jobId"`
	Error string `json:"error"`
	err   error
}

// Unwrap exposes the underlying error
func (f JobFailure) Unwrap() error { return f.err }

// BatchResult is the outcome of BatchTransfer
type BatchResult struct {
	TenantID    string                  `json:"tenantId"`
	Transferred []models.TransferRecord `json:"transferred"`
	Failed      []JobFailure            `json:"failed"`
}

// Service performs transfers
type Service struct {
	resolver  Resolver
	cfg       Config
	log       *zap.SugaredLogger
	now       func() time.Time
	commitOCR func(tx *gorm.DB) error
}

// NewService creates a transfer service
func NewService(resolver Resolver, cfg Config, log *zap.SugaredLogger) *Service {
	if cfg.Policy == (triage.Policy{}) {
		cfg.Policy = triage.DefaultPolicy()
	}
	if cfg.ConfidenceScale == "" {
		cfg.ConfidenceScale = triage.ScaleFraction
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = DefaultReconcileWindow
	}
	return &Service{
		resolver:  resolver,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		commitOCR: func(tx *gorm.DB) error { return tx.Commit().Error },
	}
}

// Transfer moves one completed OCR job into the records database.
//
// The records side commits before the source job is marked. A pending
// TransferRecord is the per-job claim; a failure before the records commit
// leaves it failed and nothing else behind. When a transfer already exists
// the existing record is returned together with ErrAlreadyTransferred.
func (s *Service) Transfer(ctx context.Context, tenantID string, jobID int64, initiatedBy *string, transferType string) (*models.TransferRecord, error) {
	if transferType == "" {
		transferType = models.TransferTypeManual
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conns, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	existing, err := s.findCompleted(ctx, conns.Records, tenantID, jobID)
	if err != nil {
		return nil, classify(ctx, "lookup transfer", err)
	}
	if existing != nil {
		return existing, ErrAlreadyTransferred
	}

	var job models.OCRJob
	err = conns.OCR.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%d", ErrJobNotFound, tenantID, jobID)
	}
	if err != nil {
		return nil, classify(ctx, "load job", err)
	}
	if job.Status != models.JobStatusComplete {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotComplete, jobID, job.Status)
	}
	if job.TransferredAt != nil || hasMarker(job.ProcessingNotes) {
		return nil, ErrAlreadyTransferred
	}

	rec, err := s.claim(ctx, conns, &job, initiatedBy, transferType)
	if err != nil {
		return rec, err
	}

	now := s.now()
	ocrTx := conns.OCR.WithContext(ctx).Begin()
	if ocrTx.Error != nil {
		s.markFailed(conns.Records, rec, ocrTx.Error)
		return rec, classify(ctx, "begin ocr transaction", ocrTx.Error)
	}

	marked, err := markJob(ocrTx, job.ID, now, true)
	if err != nil {
		ocrTx.Rollback()
		s.markFailed(conns.Records, rec, err)
		return rec, classify(ctx, "mark job", err)
	}
	if !marked {
		ocrTx.Rollback()
		s.markFailed(conns.Records, rec, ErrAlreadyTransferred)
		return rec, ErrAlreadyTransferred
	}

	if err := s.writeRecords(ctx, conns.Records, &job, rec, initiatedBy, now); err != nil {
		ocrTx.Rollback()
		s.markFailed(conns.Records, rec, err)
		return rec, classify(ctx, "write records", err)
	}

	if err := s.commitOCR(ocrTx); err != nil {
		s.log.Warnw("⚠️ OCR commit failed after records commit, retrying marker",
			"tenant_id", tenantID, "job_id", jobID, "err", err)

		retryCtx, cancelRetry := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancelRetry()
		if _, retryErr := markJob(conns.OCR.WithContext(retryCtx), job.ID, now, false); retryErr != nil {
			s.log.Errorw("❌ partial transfer, reconciliation required",
				"tenant_id", tenantID, "job_id", jobID, "transfer_id", rec.ID, "err", retryErr)
			return rec, fmt.Errorf("%w: job %d: %w", ErrPartialTransfer, jobID, retryErr)
		}
	}

	s.log.Infow("✅ OCR job transferred",
		"tenant_id", tenantID, "job_id", jobID, "transfer_id", rec.ID,
		"review_id", derefInt64(rec.ReviewQueueID), "type", transferType)
	return rec, nil
}

// BatchTransfer moves up to limit complete, untransferred jobs, oldest
// completion first. Jobs are processed one at a time.
func (s *Service) BatchTransfer(ctx context.Context, tenantID string, initiatedBy *string, limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}

	conns, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	exhausted, err := s.exhaustedJobs(ctx, conns)
	if err != nil {
		return nil, err
	}

	var ids []int64
	q := conns.OCR.WithContext(ctx).Model(&models.OCRJob{}).
		Where("status = ? AND transferred_at IS NULL", models.JobStatusComplete).
		Where("(processing_notes IS NULL OR processing_notes NOT LIKE ?)", "%"+models.TransferMarker+"%")
	if len(exhausted) > 0 {
		q = q.Where("id NOT IN ?", exhausted)
	}
	err = q.Order("processing_completed_at ASC").
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, classify(ctx, "select pending jobs", err)
	}

	transferType := models.TransferTypeAuto
	if initiatedBy != nil {
		transferType = models.TransferTypeManual
	}

	result := &BatchResult{
		TenantID:    tenantID,
		Transferred: []models.TransferRecord{},
		Failed:      []JobFailure{},
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			result.Failed = append(result.Failed, JobFailure{JobID: id, Error: ctx.Err().Error(), err: ctx.Err()})
			continue
		}
		rec, err := s.Transfer(ctx, tenantID, id, initiatedBy, transferType)
		if err != nil {
			s.log.Warnw("transfer failed", "tenant_id", tenantID, "job_id", id, "err", err)
			result.Failed = append(result.Failed, JobFailure{JobID: id, Error: err.Error(), err: err})
			continue
		}
		result.Transferred = append(result.Transferred, *rec)
	}

	if len(ids) > 0 {
		s.log.Infow("📦 batch transfer finished", "tenant_id", tenantID,
			"selected", len(ids), "transferred", len(result.Transferred), "failed", len(result.Failed))
	}
	return result, nil
}

// GetTransferStatus returns the most recent transfer record for a job, or nil
func (s *Service) GetTransferStatus(ctx context.Context, tenantID string, jobID int64) (*models.TransferRecord, error) {
	conns, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var rec models.TransferRecord
	err = conns.Records.WithContext(ctx).
		Where("church_id = ? AND source_ocr_job_id = ?", tenantID, jobID).
		Order("created_at DESC").
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(ctx, "load transfer status", err)
	}
	return &rec, nil
}

// exhaustedJobs lists jobs that have used up their retries; claim would refuse them
func (s *Service) exhaustedJobs(ctx context.Context, conns *database.Conns) ([]int64, error) {
	var ids []int64
	err := conns.Records.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("church_id = ? AND transfer_status = ?", conns.TenantID, models.TransferFailed).
		Group("source_ocr_job_id").
		Having("COUNT(*) > ?", s.cfg.MaxRetries).
		Pluck("source_ocr_job_id", &ids).Error
	if err != nil {
		return nil, classify(ctx, "list exhausted jobs", err)
	}
	if len(ids) > 0 {
		s.log.Warnw("jobs out of retries skipped", "tenant_id", conns.TenantID, "count", len(ids))
	}
	return ids, nil
}

// claim inserts the pending record that reserves the job for this attempt
func (s *Service) claim(ctx context.Context, conns *database.Conns, job *models.OCRJob, initiatedBy *string, transferType string) (*models.TransferRecord, error) {
	db := conns.Records.WithContext(ctx)

	var failed int64
	if err := db.Model(&models.TransferRecord{}).
		Where("church_id = ? AND source_ocr_job_id = ? AND transfer_status = ?", conns.TenantID, job.ID, models.TransferFailed).
		Count(&failed).Error; err != nil {
		return nil, classify(ctx, "count failed attempts", err)
	}
	if int(failed) > s.cfg.MaxRetries {
		return nil, fmt.Errorf("%w: job %d failed %d times", ErrRetriesExhausted, job.ID, failed)
	}

	rec := &models.TransferRecord{
		ChurchID:       conns.TenantID,
		SourceOCRJobID: job.ID,
		TransferStatus: models.TransferPending,
		TransferType:   transferType,
		SourceDatabase: conns.SourceDatabase,
		RecordType:     job.RecordType,
		StartedAt:      s.now(),
		RetryCount:     int(failed),
		InitiatedBy:    initiatedBy,
	}
	if err := db.Create(rec).Error; err != nil {
		if !isDuplicate(err) {
			return nil, classify(ctx, "create transfer record", err)
		}
		if done, lookupErr := s.findCompleted(ctx, conns.Records, conns.TenantID, job.ID); lookupErr == nil && done != nil {
			return done, ErrAlreadyTransferred
		}
		return nil, fmt.Errorf("%w: job %d", ErrTransferInProgress, job.ID)
	}
	return rec, nil
}

// writeRecords commits the processing log, review entry and completed transfer record together
func (s *Service) writeRecords(ctx context.Context, records *gorm.DB, job *models.OCRJob, rec *models.TransferRecord, initiatedBy *string, now time.Time) error {
	confidence := triage.NormalizeConfidence(derefFloat(job.ConfidenceScore), s.cfg.ConfidenceScale)
	verdict := s.cfg.Policy.Classify(confidence, job.NeedsReview)

	var logEntry models.ProcessingLogEntry
	var review models.ReviewQueueEntry

	err := records.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logEntry = models.ProcessingLogEntry{
			ChurchID:        job.ChurchID,
			OCRJobID:        job.ID,
			RecordType:      job.RecordType,
			Filename:        job.Filename,
			Status:          "transferred",
			UserID:          initiatedBy,
			StartedAt:       job.ProcessingStartedAt,
			CompletedAt:     job.ProcessingCompletedAt,
			ConfidenceScore: confidence,
			Metadata:        jobMetadata(job),
		}
		if logEntry.ChurchID == "" {
			logEntry.ChurchID = rec.ChurchID
		}
		if err := tx.Create(&logEntry).Error; err != nil {
			return fmt.Errorf("insert processing log: %w", err)
		}

		review = models.ReviewQueueEntry{
			ChurchID:         logEntry.ChurchID,
			OCRJobID:         job.ID,
			ProcessingLogID:  logEntry.ID,
			RecordType:       job.RecordType,
			Filename:         job.Filename,
			OriginalFilename: job.OriginalFilename,
			ExtractedText:    job.ExtractedText,
			ConfidenceAvg:    confidence,
			Status:           models.ReviewPending,
			Priority:         verdict.Priority,
			AutoInsertable:   verdict.AutoInsertable,
		}
		if err := tx.Create(&review).Error; err != nil {
			return fmt.Errorf("insert review entry: %w", err)
		}

		res := tx.Model(&models.TransferRecord{}).
			Where("id = ? AND transfer_status = ?", rec.ID, models.TransferPending).
			Updates(map[string]interface{}{
				"transfer_status":       models.TransferCompleted,
				"processing_log_id":     logEntry.ID,
				"review_queue_id":       review.ID,
				"transfer_completed_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("complete transfer record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("transfer record %d is no longer pending", rec.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	rec.TransferStatus = models.TransferCompleted
	rec.ProcessingLogID = &logEntry.ID
	rec.ReviewQueueID = &review.ID
	rec.CompletedAt = &now
	return nil
}

// markFailed records the failure on the claim so the job can be retried.
// Runs detached from the caller's deadline.
func (s *Service) markFailed(records *gorm.DB, rec *models.TransferRecord, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	err := records.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("id = ? AND transfer_status = ?", rec.ID, models.TransferPending).
		Updates(map[string]interface{}{
			"transfer_status": models.TransferFailed,
			"error_message":   msg,
		}).Error
	if err != nil {
		s.log.Errorw("❌ could not mark transfer failed", "transfer_id", rec.ID, "job_id", rec.SourceOCRJobID, "err", err)
		return
	}
	rec.TransferStatus = models.TransferFailed
	rec.ErrorMessage = &msg
}

func (s *Service) findCompleted(ctx context.Context, records *gorm.DB, tenantID string, jobID int64) (*models.TransferRecord, error) {
	var rec models.TransferRecord
	err := records.WithContext(ctx).
		Where("church_id = ? AND source_ocr_job_id = ? AND transfer_status = ?", tenantID, jobID, models.TransferCompleted).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// markJob sets transferred_at and appends the marker line when the job is
// still unmarked. requireComplete also pins the job status.
func markJob(db *gorm.DB, jobID int64, at time.Time, requireComplete bool) (bool, error) {
	line := fmt.Sprintf("[%s] %s", at.Format(time.RFC3339), models.TransferMarker)

	q := db.Model(&models.OCRJob{}).Where("id = ? AND transferred_at IS NULL", jobID)
	if requireComplete {
		q = q.Where("status = ?", models.JobStatusComplete)
	}
	res := q.Updates(map[string]interface{}{
		"transferred_at": at,
		"processing_notes": gorm.Expr(
			"CASE WHEN processing_notes IS NULL OR processing_notes = '' THEN ? ELSE processing_notes || ? END",
			line, "\n"+line),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func jobMetadata(job *models.OCRJob) datatypes.JSONMap {
	meta := datatypes.JSONMap{
		"extracted_entities":     map[string]interface{}(job.ExtractedEntities),
		"entity_confidence":      nil,
		"detected_language":      job.DetectedLanguage,
		"translation_confidence": nil,
	}
	if job.EntityConfidence != nil {
		meta["entity_confidence"] = *job.EntityConfidence
	}
	if job.TranslationConfidence != nil {
		meta["translation_confidence"] = *job.TranslationConfidence
	}
	return meta
}

func hasMarker(notes *string) bool {
	return notes != nil && containsMarker(*notes)
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
