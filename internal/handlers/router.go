package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/orthodoxmetrics/recordsgo/internal/buildinfo"
	"github.com/orthodoxmetrics/recordsgo/internal/config"
	"github.com/orthodoxmetrics/recordsgo/internal/database"
	"github.com/orthodoxmetrics/recordsgo/internal/middleware"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"github.com/orthodoxmetrics/recordsgo/internal/services/session"
	"github.com/orthodoxmetrics/recordsgo/internal/services/transfer"
	"github.com/orthodoxmetrics/recordsgo/internal/storage"
	"github.com/orthodoxmetrics/recordsgo/internal/websocket"
	"go.uber.org/zap"
)

// Tenants resolves churches and their database pools
type Tenants interface {
	Church(ctx context.Context, tenantID string) (models.Church, error)
	Resolve(ctx context.Context, tenantID string) (*database.Conns, error)
}

// Deps are the services the HTTP API serves
type Deps struct {
	Config    *config.Config
	Sessions  *session.Manager
	Transfers *transfer.Service
	Scheduler *transfer.Scheduler
	Tenants   Tenants
	Store     storage.BlobStore
	Hub       *websocket.Hub
	Log       *zap.SugaredLogger
}

// Router wraps the mux router and the services behind it
type Router struct {
	*mux.Router
	Deps
	started time.Time
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(d Deps) *Router {
	r := &Router{
		Router:  mux.NewRouter(),
		Deps:    d,
		started: time.Now(),
	}

	auth := middleware.Auth(d.Config.JWTSecret)
	admin := func(h http.HandlerFunc) http.Handler { return auth(middleware.RequireAdmin(h)) }
	authed := func(h http.HandlerFunc) http.Handler { return auth(h) }

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	r.HandleFunc("/ws", r.serveWs)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Secure OCR sessions
	ocr := api.PathPrefix("/ocr").Subrouter()
	ocr.Handle("/session", authed(r.createSession)).Methods("POST")
	ocr.Handle("/session/slip", authed(r.createSessionSlip)).Methods("POST")
	ocr.HandleFunc("/session/verify", r.verifySession).Methods("POST")
	ocr.HandleFunc("/session/{id}/status", r.sessionStatus).Methods("GET")
	ocr.HandleFunc("/validate-upload", r.validateUpload).Methods("GET")
	ocr.Handle("/sessions", authed(r.listSessions)).Methods("GET")
	ocr.Handle("/sessions/cleanup", admin(r.cleanupSessions)).Methods("DELETE")

	// Upload gated by a verified session
	ocr.Handle("/secure/upload",
		middleware.UploadSession(d.Sessions, d.Log)(http.HandlerFunc(r.secureUpload))).Methods("POST")

	// Transfers
	ocr.Handle("/transfer/batch/{tenantId}", authed(r.batchTransfer)).Methods("POST")
	ocr.Handle("/transfer/status/{jobId:[0-9]+}", authed(r.transferStatus)).Methods("GET")
	ocr.Handle("/transfer/reconcile/{tenantId}", admin(r.reconcile)).Methods("POST")
	ocr.HandleFunc("/transfer/scheduler/status", r.schedulerStatus).Methods("GET")
	ocr.Handle("/transfer/{jobId:[0-9]+}", authed(r.transferJob)).Methods("POST")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(r.started).Round(time.Second).String(),
		"build":  buildinfo.Current(),
	}
	if r.Scheduler != nil {
		resp["scheduler"] = r.Scheduler.Status().IsRunning
	}
	if r.Hub != nil {
		resp["dashboards"] = r.Hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (r *Router) serveWs(w http.ResponseWriter, req *http.Request) {
	if r.Hub == nil {
		respondError(w, http.StatusServiceUnavailable, "Event feed disabled")
		return
	}
	websocket.ServeWs(r.Hub, w, req)
}

func (r *Router) publish(churchID, eventType string, data interface{}) {
	if r.Hub == nil {
		return
	}
	r.Hub.Publish(websocket.Event{Type: eventType, ChurchID: churchID, Data: data})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
