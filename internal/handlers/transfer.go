package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/orthodoxmetrics/recordsgo/internal/database"
	"github.com/orthodoxmetrics/recordsgo/internal/middleware"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/services/transfer"
)

// transferJob moves one completed OCR job into the records database
func (r *Router) transferJob(w http.ResponseWriter, req *http.Request) {
	jobID, _ := strconv.ParseInt(mux.Vars(req)["jobId"], 10, 64)
	tenantID := req.URL.Query().Get("tenantId")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required")
		return
	}

	rec, err := r.Transfers.Transfer(req.Context(), tenantID, jobID, initiator(req), models.TransferTypeManual)
	if errors.Is(err, transfer.ErrAlreadyTransferred) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":            true,
			"alreadyTransferred": true,
			"transfer":           rec,
		})
		return
	}
	if err != nil {
		r.Log.Warnw("manual transfer failed", "tenant_id", tenantID, "job_id", jobID, "err", err)
		r.respondTransferError(w, err, rec)
		return
	}

	r.publish(tenantID, "transfer.completed", rec)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"transfer": rec,
	})
}

// batchTransfer moves the oldest completed jobs of a church
func (r *Router) batchTransfer(w http.ResponseWriter, req *http.Request) {
	tenantID := mux.Vars(req)["tenantId"]
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	res, err := r.Transfers.BatchTransfer(req.Context(), tenantID, initiator(req), limit)
	if err != nil {
		r.respondTransferError(w, err, nil)
		return
	}

	if len(res.Transferred) > 0 {
		r.publish(tenantID, "transfer.batch", map[string]int{
			"transferred": len(res.Transferred),
			"failed":      len(res.Failed),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
	})
}

// transferStatus returns the latest transfer attempt for a job
func (r *Router) transferStatus(w http.ResponseWriter, req *http.Request) {
	jobID, _ := strconv.ParseInt(mux.Vars(req)["jobId"], 10, 64)
	tenantID := req.URL.Query().Get("tenantId")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required")
		return
	}

	rec, err := r.Transfers.GetTransferStatus(req.Context(), tenantID, jobID)
	if err != nil {
		r.respondTransferError(w, err, nil)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "No transfer found for job")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"transfer": rec,
	})
}

// reconcile repairs stale and half-finished transfers of a church
func (r *Router) reconcile(w http.ResponseWriter, req *http.Request) {
	tenantID := mux.Vars(req)["tenantId"]
	staleAfter := r.Config.Transfer.StaleAfter
	if v := req.URL.Query().Get("staleAfter"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid staleAfter duration")
			return
		}
		staleAfter = d
	}

	report, err := r.Transfers.Reconcile(req.Context(), tenantID, staleAfter)
	if err != nil {
		r.respondTransferError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"report":  report,
	})
}

// schedulerStatus reports the background scheduler state
func (r *Router) schedulerStatus(w http.ResponseWriter, req *http.Request) {
	if r.Scheduler == nil {
		respondJSON(w, http.StatusOK, transfer.Status{})
		return
	}
	respondJSON(w, http.StatusOK, r.Scheduler.Status())
}

func (r *Router) respondTransferError(w http.ResponseWriter, err error, rec *models.TransferRecord) {
	switch {
	case errors.Is(err, database.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, "Church not found")
	case errors.Is(err, transfer.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "OCR job not found")
	case errors.Is(err, transfer.ErrJobNotComplete):
		respondError(w, http.StatusConflict, "OCR job is not complete")
	case errors.Is(err, transfer.ErrTransferInProgress):
		respondError(w, http.StatusConflict, "Transfer already in progress")
	case errors.Is(err, transfer.ErrRetriesExhausted):
		respondError(w, http.StatusConflict, "Transfer retries exhausted")
	case errors.Is(err, transfer.ErrPartialTransfer):
		r.Log.Errorw("❌ partial transfer needs reconciliation", "err", err)
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success":                false,
			"error":                  "Transfer partially completed",
			"requiresReconciliation": true,
			"transfer":               rec,
		})
	case errors.Is(err, transfer.ErrTransferTimeout):
		respondError(w, http.StatusGatewayTimeout, "Transfer timed out")
	case errors.Is(err, database.ErrConnection):
		respondError(w, http.StatusServiceUnavailable, "Database unavailable")
	default:
		r.Log.Errorw("❌ transfer request failed", "err", err)
		respondError(w, http.StatusInternalServerError, "Transfer failed")
	}
}

func initiator(req *http.Request) *string {
	id, ok := middleware.IdentityFrom(req.Context())
	if !ok || id.ID == "" {
		return nil
	}
	return &id.ID
}
