package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"go.uber.org/zap"
)

func TestReconcile_FailsStalePending(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "stpaul", models.OCRJob{ID: 1})
	f.addJob(t, "stpaul", models.OCRJob{ID: 2})

	stale := models.TransferRecord{ChurchID: "stpaul", SourceOCRJobID: 1, TransferStatus: models.TransferPending,
		StartedAt: time.Now().UTC().Add(-time.Hour)}
	fresh := models.TransferRecord{ChurchID: "stpaul", SourceOCRJobID: 2, TransferStatus: models.TransferPending,
		StartedAt: time.Now().UTC()}
	if err := f.records().Create(&stale).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.records().Create(&fresh).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := f.svc.Reconcile(context.Background(), "stpaul", 15*time.Minute)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.StaleFailed != 1 {
		t.Errorf("Expected 1 stale record failed, got %d", report.StaleFailed)
	}

	var got models.TransferRecord
	f.records().First(&got, stale.ID)
	if got.TransferStatus != models.TransferFailed || got.ErrorMessage == nil || *got.ErrorMessage != staleMessage {
		t.Errorf("Stale record not failed: %+v", got)
	}
	f.records().First(&got, fresh.ID)
	if got.TransferStatus != models.TransferPending {
		t.Errorf("Fresh record should stay pending, got %s", got.TransferStatus)
	}

	// The failed claim no longer blocks a new attempt
	rec, err := f.svc.Transfer(context.Background(), "stpaul", 1, nil, "")
	if err != nil {
		t.Fatalf("Transfer after reconcile failed: %v", err)
	}
	if rec.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", rec.RetryCount)
	}
}

func TestReconcile_HealsUnmarkedJob(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "stpaul", models.OCRJob{ID: 8, ConfidenceScore: floatPtr(0.88)})

	if _, err := f.svc.Transfer(context.Background(), "stpaul", 8, nil, ""); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	// Simulate a lost OCR commit
	if err := f.ocr("stpaul").Model(&models.OCRJob{}).Where("id = ?", 8).
		Updates(map[string]interface{}{"transferred_at": nil, "processing_notes": nil}).Error; err != nil {
		t.Fatalf("unmark job: %v", err)
	}

	report, err := f.svc.Reconcile(context.Background(), "stpaul", 15*time.Minute)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Healed != 1 || len(report.HealedJobs) != 1 || report.HealedJobs[0] != 8 {
		t.Errorf("Expected job 8 healed, got %+v", report)
	}
	if f.job(t, "stpaul", 8).TransferredAt == nil {
		t.Error("Job still unmarked after reconcile")
	}

	report, err = f.svc.Reconcile(context.Background(), "stpaul", 15*time.Minute)
	if err != nil {
		t.Fatalf("Second reconcile failed: %v", err)
	}
	if report.Healed != 0 {
		t.Errorf("Second pass should be a no-op, healed %d", report.Healed)
	}
}

func TestReconcile_IgnoresTransfersOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addJob(t, "stpaul", models.OCRJob{ID: 12})
	svc := NewService(f.resolver, Config{ReconcileWindow: time.Hour}, zap.NewNop().Sugar())

	rec, err := svc.Transfer(ctx, "stpaul", 12, nil, "")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if err := f.ocr("stpaul").Model(&models.OCRJob{}).Where("id = ?", 12).
		Updates(map[string]interface{}{"transferred_at": nil, "processing_notes": nil}).Error; err != nil {
		t.Fatalf("unmark job: %v", err)
	}

	setCompleted := func(at time.Time) {
		if err := f.records().Model(&models.TransferRecord{}).Where("id = ?", rec.ID).
			Update("transfer_completed_at", at).Error; err != nil {
			t.Fatalf("backdate record: %v", err)
		}
	}

	setCompleted(time.Now().UTC().Add(-2 * time.Hour))
	report, err := svc.Reconcile(ctx, "stpaul", 15*time.Minute)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Healed != 0 {
		t.Errorf("Transfers older than the window must be skipped, healed %d", report.Healed)
	}

	setCompleted(time.Now().UTC().Add(-10 * time.Minute))
	report, err = svc.Reconcile(ctx, "stpaul", 15*time.Minute)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Healed != 1 {
		t.Errorf("Expected recent transfer healed, got %+v", report)
	}
}
