package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projectlens/mirrorsync/internal/locking"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 4

var (
	errMissingWorker  = errors.New("worker is required")
	errNoTenants      = errors.New("at least one tenant is required")
	errBadInterval    = errors.New("tenant interval must be positive")
	errAlreadyStarted = errors.New("scheduler already started")
)

// Tenant pairs a tenant identifier with its sync interval.
type Tenant struct {
	ID       string
	Interval time.Duration
}

// SchedulerConfig bundles the dependencies of a scheduler.
type SchedulerConfig struct {
	Worker        *Worker
	Tenants       []Tenant
	MaxConcurrent int64
	Logger        *zap.Logger
}

// Scheduler drives periodic sync cycles: one ticker goroutine per tenant,
// each tick fire-and-forget. A tick that finds its tenant still syncing is
// skipped outright rather than queued, and a weighted semaphore bounds how
// many tenants refresh at once so one slow tenant never starves the rest.
type Scheduler struct {
	worker  *Worker
	tenants []Tenant
	locks   *locking.TryKeyed
	slots   *semaphore.Weighted
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler validates configuration and constructs a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Worker == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingWorker)
	}
	if len(cfg.Tenants) == 0 {
		return nil, fmt.Errorf("syncer: %w", errNoTenants)
	}
	for _, tenant := range cfg.Tenants {
		if tenant.ID == "" {
			return nil, fmt.Errorf("syncer: %w", errMissingTenantID)
		}
		if tenant.Interval <= 0 {
			return nil, fmt.Errorf("syncer: %w: tenant %s", errBadInterval, tenant.ID)
		}
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Scheduler{
		worker:  cfg.Worker,
		tenants: cfg.Tenants,
		locks:   locking.NewTryKeyed(),
		slots:   semaphore.NewWeighted(maxConcurrent),
		logger:  logger,
	}, nil
}

// Start launches the per-tenant tickers. It returns immediately; cycles run
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("syncer: %w", errAlreadyStarted)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = false

	for _, tenant := range s.tenants {
		s.wg.Add(1)
		go s.tickLoop(runCtx, tenant)
	}

	s.logger.Info("sync scheduler started", zap.Int("tenants", len(s.tenants)))
	return nil
}

// Stop cancels all tickers and waits for in-flight cycles to finish,
// including cycles started by Kick before Start was ever called.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.stopped = true
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context, tenant Tenant) {
	defer s.wg.Done()

	ticker := time.NewTicker(tenant.Interval)
	defer ticker.Stop()

	// First cycle runs at startup so the mirror is populated before the
	// first tick ever fires.
	s.Kick(ctx, tenant.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Kick(ctx, tenant.ID)
		}
	}
}

// Kick launches one sync cycle for the tenant unless one is already in
// flight or the scheduler has been stopped, reporting whether a cycle was
// started. Exposed so operators and tests can trigger a refresh without
// waiting for the next tick.
func (s *Scheduler) Kick(ctx context.Context, tenantID string) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if !s.locks.TryAcquire(tenantID) {
		s.mu.Unlock()
		s.logger.Debug("sync tick skipped, cycle already running",
			zap.String("tenant_id", tenantID))
		return false
	}
	// Add while holding the mutex, so a Kick racing Stop can never Add
	// after Stop's Wait has begun.
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.locks.Release(tenantID)

		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.slots.Release(1)

		// Failure is already recorded in the SyncRun; the next tick retries
		// with no extra backoff.
		_, _ = s.worker.RunOnce(ctx, tenantID)
	}()
	return true
}

// Running reports whether the tenant currently has a cycle in flight.
func (s *Scheduler) Running(tenantID string) bool {
	return s.locks.Held(tenantID)
}
