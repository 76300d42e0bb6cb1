package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"go.uber.org/zap"
)

// EventTickCompleted is published after every scheduler pass
const EventTickCompleted = "transfer.tick"

const leaseReleaseTimeout = 5 * time.Second

// TenantLister lists the churches a scheduler pass visits
type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]models.Church, error)
}

// Publisher receives scheduler events, e.g. the websocket hub
type Publisher interface {
	Broadcast(event string, payload interface{})
}

// TenantResult is one tenant's share of a tick
type TenantResult struct {
	TenantID    string `json:"tenantId"`
	Transferred int    `json:"transferred"`
	Failed      int    `json:"failed"`
	StaleFailed int64  `json:"staleFailed"`
	Healed      int    `json:"healed"`
	Error       string `json:"error,omitempty"`
}

// TickSummary aggregates one scheduler pass
type TickSummary struct {
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
	Skipped     bool           `json:"skipped"`
	SkipReason  string         `json:"skipReason,omitempty"`
	Tenants     int            `json:"tenants"`
	Transferred int            `json:"transferred"`
	Failed      int            `json:"failed"`
	Healed      int            `json:"healed"`
	Errors      int            `json:"errors"`
	Results     []TenantResult `json:"results"`
}

// Status is the scheduler state reported over HTTP
type Status struct {
	IsRunning bool         `json:"isRunning"`
	Interval  string       `json:"interval,omitempty"`
	LastTick  *TickSummary `json:"lastTick"`
}

// SchedulerConfig tunes the background pass
type SchedulerConfig struct {
	BatchSize  int
	StaleAfter time.Duration
}

// Handle owns one running scheduler loop
type Handle struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Stop ends the loop and waits for an in-flight tick to finish
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Scheduler periodically transfers completed jobs for every active church
type Scheduler struct {
	svc     *Service
	tenants TenantLister
	lease   *Lease
	events  Publisher
	cfg     SchedulerConfig
	log     *zap.SugaredLogger

	mu       sync.Mutex
	handle   *Handle
	lastTick *TickSummary
}

// NewScheduler creates a scheduler. lease and events may be nil.
func NewScheduler(svc *Service, tenants TenantLister, lease *Lease, events Publisher, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Scheduler{
		svc:     svc,
		tenants: tenants,
		lease:   lease,
		events:  events,
		cfg:     cfg,
		log:     log,
	}
}

// Start launches the loop. The first pass runs immediately. Calling Start
// while a loop is live returns the live handle.
func (s *Scheduler) Start(interval time.Duration) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		s.log.Warnw("⚠️ transfer scheduler already running", "interval", s.handle.interval.String())
		return s.handle
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	h := &Handle{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.handle = h
	go s.loop(h)

	s.log.Infow("⏱️ transfer scheduler started", "interval", interval.String())
	return h
}

// Stop stops the loop owned by h
func (s *Scheduler) Stop(h *Handle) {
	h.Stop()
}

// Shutdown stops the loop owned by h, then gives up the lease so a standby
// instance can take over without waiting out the TTL. The release gets its
// own deadline because the final tick may have used up the caller's.
func (s *Scheduler) Shutdown(h *Handle) {
	h.Stop()
	if s.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	if err := s.lease.Release(ctx); err != nil {
		s.log.Warnw("lease release failed", "holder", s.lease.Holder(), "err", err)
	}
}

// Status reports whether a loop is live and the last tick summary
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{IsRunning: s.handle != nil}
	if s.handle != nil {
		st.Interval = s.handle.interval.String()
	}
	if s.lastTick != nil {
		tick := *s.lastTick
		st.LastTick = &tick
	}
	return st
}

func (s *Scheduler) loop(h *Handle) {
	defer func() {
		s.mu.Lock()
		if s.handle == h {
			s.handle = nil
		}
		s.mu.Unlock()
		close(h.done)
		s.log.Infow("🛑 transfer scheduler stopped")
	}()

	s.RunOnce(context.Background())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-h.stop:
			return
		}
	}
}

// RunOnce performs a single pass over all active churches
func (s *Scheduler) RunOnce(ctx context.Context) (summary TickSummary) {
	summary = TickSummary{StartedAt: time.Now().UTC(), Results: []TenantResult{}}
	defer func() {
		summary.FinishedAt = time.Now().UTC()
		s.record(summary)
	}()

	if s.lease != nil {
		held, err := s.lease.Acquire(ctx)
		if err != nil {
			summary.Skipped, summary.SkipReason = true, "lease error: "+err.Error()
			s.log.Errorw("❌ scheduler lease error", "err", err)
			return summary
		}
		if !held {
			summary.Skipped, summary.SkipReason = true, "lease held by another instance"
			return summary
		}
	}

	churches, err := s.tenants.ActiveTenants(ctx)
	if err != nil {
		summary.Skipped, summary.SkipReason = true, "tenant registry: "+err.Error()
		s.log.Errorw("❌ scheduler could not list churches", "err", err)
		return summary
	}

	summary.Tenants = len(churches)
	for _, church := range churches {
		res := s.runTenant(ctx, church.ID)
		summary.Transferred += res.Transferred
		summary.Failed += res.Failed
		summary.Healed += res.Healed
		if res.Error != "" {
			summary.Errors++
		}
		summary.Results = append(summary.Results, res)
	}
	return summary
}

func (s *Scheduler) runTenant(ctx context.Context, tenantID string) (res TenantResult) {
	res.TenantID = tenantID
	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("panic: %v", r)
			s.log.Errorw("💥 scheduler recovered from panic", "tenant_id", tenantID, "panic", r)
		}
	}()

	batch, err := s.svc.BatchTransfer(ctx, tenantID, nil, s.cfg.BatchSize)
	if err != nil {
		res.Error = err.Error()
		s.log.Warnw("batch transfer failed", "tenant_id", tenantID, "err", err)
	} else {
		res.Transferred = len(batch.Transferred)
		res.Failed = len(batch.Failed)
	}

	report, err := s.svc.Reconcile(ctx, tenantID, s.cfg.StaleAfter)
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		s.log.Warnw("reconcile failed", "tenant_id", tenantID, "err", err)
	} else {
		res.StaleFailed = report.StaleFailed
		res.Healed = report.Healed
	}
	return res
}

func (s *Scheduler) record(summary TickSummary) {
	s.mu.Lock()
	s.lastTick = &summary
	s.mu.Unlock()

	if !summary.Skipped {
		s.log.Infow("🔄 transfer tick complete",
			"tenants", summary.Tenants,
			"transferred", summary.Transferred,
			"failed", summary.Failed,
			"healed", summary.Healed,
			"errors", summary.Errors,
			"took", summary.FinishedAt.Sub(summary.StartedAt).String())
	}
	if s.events != nil {
		s.events.Broadcast(EventTickCompleted, summary)
	}
}
