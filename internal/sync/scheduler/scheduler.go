// Package scheduler drives sync passes periodically and on demand.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/logging"
	syncpkg "github.com/kimhsiao/mealsync/internal/sync"
	"github.com/kimhsiao/mealsync/internal/telemetry"
)

// Registration names used by the scheduler itself.
const (
	PeriodicRunName     = "periodic-sync"
	OnDemandRunName     = "sync-now"
	ConnectivityRunName = "connectivity-restored"
)

// Authenticator reports whether a session exists.
type Authenticator interface {
	IsAuthenticated(ctx context.Context) bool
}

// ConnectivityChecker is the pre-flight reachability check.
type ConnectivityChecker interface {
	IsOnline(ctx context.Context) bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// PeriodicSpec is the cron spec of the periodic run. Empty disables it.
	PeriodicSpec string
	// PassTimeout bounds a single engine pass.
	PassTimeout time.Duration
	// MaxAttempts bounds the attempts of one run for retryable errors.
	MaxAttempts int
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PeriodicSpec: "@every 15m",
		PassTimeout:  5 * time.Minute,
		MaxAttempts:  5,
	}
}

// run is one queued or running execution, including its retries.
type run struct {
	name      string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	result    WorkResult
}

// RunHandle observes a run.
type RunHandle struct {
	r *run
}

// Name returns the registration that requested the run.
func (h *RunHandle) Name() string { return h.r.name }

// Done is closed when the run ends.
func (h *RunHandle) Done() <-chan struct{} { return h.r.done }

// Cancel aborts the run.
func (h *RunHandle) Cancel() { h.r.cancel() }

// Result returns the final result. It is only meaningful after Done is closed.
func (h *RunHandle) Result() WorkResult {
	<-h.r.done
	return h.r.result
}

type registration struct {
	name    string
	kind    string
	spec    string
	policy  ExistingWorkPolicy
	entryID cron.EntryID
	timer   *time.Timer
}

// RegistrationInfo describes a named registration.
type RegistrationInfo struct {
	Name   string             `json:"name"`
	Kind   string             `json:"kind"`
	Spec   string             `json:"spec,omitempty"`
	Policy ExistingWorkPolicy `json:"policy"`
	Next   *time.Time         `json:"next,omitempty"`
}

// Scheduler manages background sync operations. At most one run is active
// per Scheduler; the active run owns the engine.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	auth   Authenticator
	conn   ConnectivityChecker
	cfg    SchedulerConfig
	status *statusMachine
	cron   *cron.Cron
	sleep  func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	baseCtx       context.Context
	baseCancel    context.CancelFunc
	isRunning     bool
	isOnline      bool
	active        *run
	registrations map[string]*registration
	lastSyncTime  time.Time
	lastResult    *WorkResult
}

// NewScheduler creates a new Scheduler. conn may be nil, in which case only
// SetOnlineStatus decides connectivity.
func NewScheduler(engine syncpkg.SyncEngineInterface, auth Authenticator, conn ConnectivityChecker, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	cfg := *config
	def := DefaultSchedulerConfig()
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:        engine,
		auth:          auth,
		conn:          conn,
		cfg:           cfg,
		status:        newStatusMachine(),
		cron:          cron.New(cron.WithSeconds()),
		sleep:         sleepContext,
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		isOnline:      true, // Assume online initially
		registrations: make(map[string]*registration),
	}
}

// Start starts the cron loop and registers the periodic run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.baseCancel()
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.cfg.PeriodicSpec != "" {
		if err := s.SchedulePeriodic(PeriodicRunName, s.cfg.PeriodicSpec, KeepExisting); err != nil {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			return err
		}
	}
	s.cron.Start()

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"periodic_spec": s.cfg.PeriodicSpec,
		"max_attempts":  s.cfg.MaxAttempts,
	})
	return nil
}

// Stop stops the scheduler gracefully: registrations are removed and the
// active run is cancelled and awaited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.CancelAll()

	s.mu.Lock()
	s.baseCancel()
	s.mu.Unlock()

	logging.Info("Background sync scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// =====================================================
// Host entry point
// =====================================================

// DoWork runs one sync pass and reports Success, Retry or Failure. attempt is
// 1-based. Hosts with their own job facility call this directly; the
// Scheduler's runs call it through runWithRetry.
func (s *Scheduler) DoWork(ctx context.Context, attempt int) WorkResult {
	if attempt < 1 {
		attempt = 1
	}

	if s.auth != nil && !s.auth.IsAuthenticated(ctx) {
		s.status.reset()
		logging.Debug("Skipping sync - no authenticated session")
		return WorkResult{Outcome: OutcomeSuccess, Attempt: attempt, Skipped: true}
	}

	s.status.reset()
	s.status.fire(EventStart)

	if !s.checkOnline(ctx) {
		s.status.fire(EventGoOffline)
		se := syncerrors.NewNoInternetError()
		logging.Info("Skipping sync - device is offline")
		return s.finish(WorkResult{Outcome: OutcomeFailure, Attempt: attempt, Err: se})
	}

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	result, err := s.engine.Sync(passCtx)
	cancel()

	if err == nil {
		s.status.fire(EventSucceed)
		s.mu.Lock()
		s.lastSyncTime = result.EndTime
		s.mu.Unlock()
		return s.finish(WorkResult{Outcome: OutcomeSuccess, Attempt: attempt, Result: result})
	}

	se := syncerrors.Classify(err)
	wr := WorkResult{Attempt: attempt, Result: result, Err: se}
	fields := map[string]interface{}{"attempt": attempt, "max_attempts": s.cfg.MaxAttempts}

	switch {
	case se.Code == syncerrors.ErrCancelled:
		s.status.cancel()
		wr.Outcome = OutcomeFailure
		logging.Info("Sync pass cancelled", fields)
		return s.finish(wr)

	case se.AwaitsConnectivity():
		s.status.fire(EventGoOffline)
		wr.Outcome = OutcomeFailure

	case se.Retryable() && attempt < s.cfg.MaxAttempts:
		s.status.fire(EventFail)
		wr.Outcome = OutcomeRetry
		wr.RetryAfter = se.RetryDelay(attempt)
		fields["retry_in"] = wr.RetryAfter.String()

	default:
		s.status.fire(EventFail)
		wr.Outcome = OutcomeFailure
		fields["requires_reauthentication"] = se.RequiresReauthentication()
	}

	logging.ErrorWithCode("Sync pass failed", string(se.Code), se, fields)
	return s.finish(wr)
}

func (s *Scheduler) finish(wr WorkResult) WorkResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := wr
	s.lastResult = &saved
	return wr
}

func (s *Scheduler) checkOnline(ctx context.Context) bool {
	s.mu.Lock()
	online := s.isOnline
	s.mu.Unlock()
	if !online {
		return false
	}
	if s.conn == nil {
		return true
	}
	return s.conn.IsOnline(ctx)
}

// runWithRetry repeats DoWork while it asks for a retry.
func (s *Scheduler) runWithRetry(ctx context.Context, name string) WorkResult {
	for attempt := 1; ; attempt++ {
		wr := s.DoWork(ctx, attempt)
		if wr.Outcome != OutcomeRetry {
			return wr
		}

		telemetry.RecordRetry(string(wr.Err.Code))
		logging.Info("Sync run scheduled for retry", map[string]interface{}{
			"run":      name,
			"attempt":  attempt,
			"retry_in": wr.RetryAfter.String(),
		})

		if err := s.sleep(ctx, wr.RetryAfter); err != nil {
			s.status.cancel()
			return s.finish(WorkResult{Outcome: OutcomeFailure, Attempt: attempt, Err: syncerrors.Classify(err)})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =====================================================
// Unique runs
// =====================================================

// Enqueue requests a run on behalf of the named registration. With
// KeepExisting an active run is left alone and returned with started=false;
// with ReplaceExisting the active run is cancelled and awaited first.
func (s *Scheduler) Enqueue(name string, policy ExistingWorkPolicy) (handle *RunHandle, started bool) {
	s.mu.Lock()
	for s.active != nil {
		current := s.active
		if policy != ReplaceExisting {
			s.mu.Unlock()
			telemetry.RecordDiscardedRun()
			logging.Debug("Sync run already active, request dropped", map[string]interface{}{
				"requested": name,
				"active":    current.name,
			})
			return &RunHandle{r: current}, false
		}

		s.mu.Unlock()
		logging.Info("Replacing active sync run", map[string]interface{}{
			"requested": name,
			"active":    current.name,
		})
		current.cancel()
		<-current.done
		s.mu.Lock()
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &run{name: name, startedAt: time.Now(), cancel: cancel, done: make(chan struct{})}
	s.active = r
	s.mu.Unlock()

	go func() {
		defer cancel()
		r.result = s.runWithRetry(ctx, name)

		s.mu.Lock()
		if s.active == r {
			s.active = nil
		}
		s.mu.Unlock()
		close(r.done)
	}()

	return &RunHandle{r: r}, true
}

// TriggerSync requests an on-demand run. It returns false when an active run
// was kept instead.
func (s *Scheduler) TriggerSync(policy ExistingWorkPolicy) bool {
	_, started := s.Enqueue(OnDemandRunName, policy)
	return started
}

// SyncNow triggers an on-demand run, or joins the active one, and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (WorkResult, error) {
	h, _ := s.Enqueue(OnDemandRunName, KeepExisting)
	select {
	case <-ctx.Done():
		return WorkResult{}, ctx.Err()
	case <-h.Done():
	}
	wr := h.Result()
	if wr.Err != nil {
		return wr, wr.Err
	}
	return wr, nil
}

// =====================================================
// Registrations
// =====================================================

// SchedulePeriodic registers name to request a run on every cron tick.
// An existing registration with the same name is replaced.
func (s *Scheduler) SchedulePeriodic(name, spec string, policy ExistingWorkPolicy) error {
	id, err := s.cron.AddFunc(spec, func() {
		s.Enqueue(name, policy)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	old := s.registrations[name]
	s.registrations[name] = &registration{name: name, kind: "periodic", spec: spec, policy: policy, entryID: id}
	s.mu.Unlock()

	s.removeRegistration(old)
	return nil
}

// ScheduleOnce registers name to request a single run after delay.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration, policy ExistingWorkPolicy) {
	reg := &registration{name: name, kind: "once", spec: delay.String(), policy: policy}

	s.mu.Lock()
	old := s.registrations[name]
	s.registrations[name] = reg
	reg.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.registrations[name] == reg {
			delete(s.registrations, name)
		}
		s.mu.Unlock()
		s.Enqueue(name, policy)
	})
	s.mu.Unlock()

	s.removeRegistration(old)
}

func (s *Scheduler) removeRegistration(reg *registration) {
	if reg == nil {
		return
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	if reg.entryID != 0 {
		s.cron.Remove(reg.entryID)
	}
}

// Cancel removes the named registration and cancels the active run when it
// was requested under that name.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	reg := s.registrations[name]
	delete(s.registrations, name)
	active := s.active
	s.mu.Unlock()

	s.removeRegistration(reg)
	if active != nil && active.name == name {
		active.cancel()
		<-active.done
	}
}

// CancelAll removes every registration and cancels the active run.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	regs := s.registrations
	s.registrations = make(map[string]*registration)
	active := s.active
	s.mu.Unlock()

	for _, reg := range regs {
		s.removeRegistration(reg)
	}
	if active != nil {
		active.cancel()
		<-active.done
	}
}

// =====================================================
// Connectivity
// =====================================================

// SetOnlineStatus records the platform connectivity signal. Going from
// offline to online requests a run.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline && running {
		s.Enqueue(ConnectivityRunName, KeepExisting)
	}
}

// IsOnline returns the last connectivity signal.
func (s *Scheduler) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOnline
}

// =====================================================
// Status
// =====================================================

// GetStatus returns the current sync status.
func (s *Scheduler) GetStatus() syncpkg.SyncStatus {
	return s.status.current()
}

// Subscribe returns a channel receiving every status change, starting with
// the current one, and a function that ends the subscription.
func (s *Scheduler) Subscribe() (<-chan syncpkg.SyncStatus, func()) {
	return s.status.subscribe()
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	Status        syncpkg.SyncStatus `json:"status"`
	IsRunning     bool               `json:"is_running"`
	IsOnline      bool               `json:"is_online"`
	ActiveRun     string             `json:"active_run,omitempty"`
	LastSyncTime  *time.Time         `json:"last_sync_time,omitempty"`
	LastOutcome   Outcome            `json:"last_outcome,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	LastErrorCode string             `json:"last_error_code,omitempty"`
	PendingItems  int                `json:"pending_items"`
	Registrations []RegistrationInfo `json:"registrations"`
}

// Snapshot returns the scheduler status. PendingItems is -1 when the queue
// could not be read.
func (s *Scheduler) Snapshot(ctx context.Context) SchedulerStatus {
	s.mu.Lock()
	status := SchedulerStatus{
		Status:        s.status.current(),
		IsRunning:     s.isRunning,
		IsOnline:      s.isOnline,
		Registrations: make([]RegistrationInfo, 0, len(s.registrations)),
	}
	if s.active != nil {
		status.ActiveRun = s.active.name
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastResult != nil {
		status.LastOutcome = s.lastResult.Outcome
		if s.lastResult.Err != nil {
			status.LastError = s.lastResult.Err.Error()
			status.LastErrorCode = string(s.lastResult.Err.Code)
		}
	}
	for _, reg := range s.registrations {
		info := RegistrationInfo{Name: reg.name, Kind: reg.kind, Spec: reg.spec, Policy: reg.policy}
		if reg.entryID != 0 {
			if next := s.cron.Entry(reg.entryID).Next; !next.IsZero() {
				info.Next = &next
			}
		}
		status.Registrations = append(status.Registrations, info)
	}
	s.mu.Unlock()

	sort.Slice(status.Registrations, func(i, j int) bool {
		return status.Registrations[i].Name < status.Registrations[j].Name
	})

	pending, err := s.engine.PendingChanges(ctx)
	if err != nil {
		pending = -1
	}
	status.PendingItems = pending
	return status
}
