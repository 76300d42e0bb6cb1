package transfer

import (
	"context"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/models"
)

const (
	staleMessage   = "stale pending transfer"
	reconcileChunk = 500
)

// ReconcileReport summarizes one reconciliation pass for a tenant
type ReconcileReport struct {
	TenantID    string  `json:"tenantId"`
	StaleFailed int64   `json:"staleFailed"`
	Healed      int     `json:"healed"`
	HealedJobs  []int64 `json:"healedJobs,omitempty"`
}

// Reconcile repairs the seam between the two databases. Pending records older
// than staleAfter are failed so the job can be retried, and records completed
// within the reconcile window whose source job was never marked get the job marked.
func (s *Service) Reconcile(ctx context.Context, tenantID string, staleAfter time.Duration) (*ReconcileReport, error) {
	conns, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{TenantID: tenantID}
	now := s.now()

	if staleAfter > 0 {
		res := conns.Records.WithContext(ctx).Model(&models.TransferRecord{}).
			Where("church_id = ? AND transfer_status = ? AND transfer_started_at < ?",
				tenantID, models.TransferPending, now.Add(-staleAfter)).
			Updates(map[string]interface{}{
				"transfer_status": models.TransferFailed,
				"error_message":   staleMessage,
			})
		if res.Error != nil {
			return nil, classify(ctx, "fail stale transfers", res.Error)
		}
		report.StaleFailed = res.RowsAffected
	}

	var completed []int64
	if err := conns.Records.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("church_id = ? AND transfer_status = ?", tenantID, models.TransferCompleted).
		Where("transfer_completed_at > ?", now.Add(-s.cfg.ReconcileWindow)).
		Order("source_ocr_job_id ASC").
		Pluck("source_ocr_job_id", &completed).Error; err != nil {
		return nil, classify(ctx, "list completed transfers", err)
	}

	for start := 0; start < len(completed); start += reconcileChunk {
		end := min(start+reconcileChunk, len(completed))

		var unmarked []int64
		if err := conns.OCR.WithContext(ctx).Model(&models.OCRJob{}).
			Where("id IN ? AND transferred_at IS NULL", completed[start:end]).
			Pluck("id", &unmarked).Error; err != nil {
			return report, classify(ctx, "find unmarked jobs", err)
		}

		for _, id := range unmarked {
			marked, err := markJob(conns.OCR.WithContext(ctx), id, now, false)
			if err != nil {
				return report, classify(ctx, "heal job", err)
			}
			if marked {
				report.Healed++
				report.HealedJobs = append(report.HealedJobs, id)
				s.log.Warnw("🩹 healed partial transfer", "tenant_id", tenantID, "job_id", id)
			}
		}
	}

	if report.StaleFailed > 0 {
		s.log.Warnw("stale pending transfers failed", "tenant_id", tenantID, "count", report.StaleFailed)
	}
	return report, nil
}
