package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// failUpdates makes every UPDATE on db fail while down is set
func failUpdates(t *testing.T, db *gorm.DB, down *atomic.Bool) {
	t.Helper()
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_update", func(tx *gorm.DB) {
		if down.Load() {
			tx.AddError(errors.New("ocr database unavailable"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	t.Cleanup(func() { db.Callback().Update().Remove("test:fail_update") })
}

func TestTransfer_PartialWhenOCRCommitAndRetryFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addJob(t, "stpaul", models.OCRJob{ID: 31, ConfidenceScore: floatPtr(0.65)})

	var down atomic.Bool
	failUpdates(t, f.ocr("stpaul"), &down)
	f.svc.commitOCR = func(tx *gorm.DB) error {
		tx.Rollback()
		down.Store(true)
		return errors.New("connection reset during commit")
	}

	rec, err := f.svc.Transfer(ctx, "stpaul", 31, nil, "")
	if !errors.Is(err, ErrPartialTransfer) {
		t.Fatalf("Expected ErrPartialTransfer, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("Partial transfers must not be retryable")
	}
	if rec == nil || rec.TransferStatus != models.TransferCompleted {
		t.Fatalf("Expected completed record on the records side, got %+v", rec)
	}
	if n := count(t, f.records(), &models.ReviewQueueEntry{}); n != 1 {
		t.Errorf("Expected the committed review entry, got %d", n)
	}
	if f.job(t, "stpaul", 31).TransferredAt != nil {
		t.Fatal("Source job should be unmarked after the lost commit")
	}

	// Once the OCR database is back the reconciler finishes the job
	down.Store(false)
	report, err := f.svc.Reconcile(ctx, "stpaul", 15*time.Minute)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Healed != 1 {
		t.Errorf("Expected the partial transfer healed, got %+v", report)
	}
	if f.job(t, "stpaul", 31).TransferredAt == nil {
		t.Error("Job still unmarked after reconcile")
	}

	if _, err := f.svc.Transfer(ctx, "stpaul", 31, nil, ""); !errors.Is(err, ErrAlreadyTransferred) {
		t.Errorf("Expected ErrAlreadyTransferred after healing, got %v", err)
	}
}

func TestTransfer_LostOCRCommitRepairedByRetry(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "stpaul", models.OCRJob{ID: 32, ConfidenceScore: floatPtr(0.65)})

	f.svc.commitOCR = func(tx *gorm.DB) error {
		tx.Rollback()
		return errors.New("commit acknowledgement lost")
	}

	rec, err := f.svc.Transfer(context.Background(), "stpaul", 32, nil, "")
	if err != nil {
		t.Fatalf("Expected the marker retry to succeed, got %v", err)
	}
	if rec.TransferStatus != models.TransferCompleted {
		t.Errorf("Expected completed, got %s", rec.TransferStatus)
	}
	if f.job(t, "stpaul", 32).TransferredAt == nil {
		t.Error("Expected job marked by the retry")
	}
}

func TestTransfer_TimeoutRollsBackAndFailsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addJob(t, "stpaul", models.OCRJob{ID: 41, ConfidenceScore: floatPtr(0.90)})
	svc := NewService(f.resolver, Config{Timeout: 50 * time.Millisecond}, zap.NewNop().Sugar())

	var stall atomic.Bool
	stall.Store(true)
	ocr := f.ocr("stpaul")
	err := ocr.Callback().Update().Before("gorm:update").Register("test:stall_update", func(tx *gorm.DB) {
		if stall.Load() {
			<-tx.Statement.Context.Done()
			tx.AddError(tx.Statement.Context.Err())
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	t.Cleanup(func() { ocr.Callback().Update().Remove("test:stall_update") })

	rec, err := svc.Transfer(ctx, "stpaul", 41, nil, "")
	if !errors.Is(err, ErrTransferTimeout) {
		t.Fatalf("Expected ErrTransferTimeout, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("Timeouts should be retryable")
	}
	if rec == nil || rec.TransferStatus != models.TransferFailed || rec.ErrorMessage == nil {
		t.Fatalf("Expected failed claim, got %+v", rec)
	}

	var stored models.TransferRecord
	if err := f.records().First(&stored, rec.ID).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if stored.TransferStatus != models.TransferFailed {
		t.Errorf("Claim not failed in the database: %s", stored.TransferStatus)
	}
	if n := count(t, f.records(), &models.ProcessingLogEntry{}); n != 0 {
		t.Errorf("No payload rows expected after timeout, got %d", n)
	}
	if job := f.job(t, "stpaul", 41); job.TransferredAt != nil || job.ProcessingNotes != nil {
		t.Errorf("Job marked despite timeout: %+v", job)
	}

	stall.Store(false)
	retry, err := svc.Transfer(ctx, "stpaul", 41, nil, "")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retry.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", retry.RetryCount)
	}
}
