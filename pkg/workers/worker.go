// Package workers runs the execution engine's background loops. Each worker
// is a cron-scheduled goroutine whose lease and run history live in a
// WorkerState record, so that only one process drives a loop at a time.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/dukex/labrun/pkg/records"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	// MinLeaseTTL is the shortest lease a worker takes.
	MinLeaseTTL = 30 * time.Second

	stateAttempts = 3
)

// ErrLeaseHeld is returned by Start when another owner holds an unexpired
// lease on the worker.
var ErrLeaseHeld = errors.New("worker lease held by another owner")

// Cycle is one unit of work. The returned summary is stored on the worker
// state.
type Cycle func(ctx context.Context) (map[string]any, error)

// LeaseTTL returns the lease duration for a worker ticking every interval.
func LeaseTTL(interval time.Duration) time.Duration {
	return max(MinLeaseTTL, 3*interval)
}

// NewOwner returns a lease owner identity for this process.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Config holds what every worker needs besides its cycle.
type Config struct {
	Repo            *records.Repository
	Clock           clock.Clock
	Owner           string
	DefaultInterval time.Duration
}

// StartOptions modify Start.
type StartOptions struct {
	// ForceTakeover starts even when another owner holds the lease.
	ForceTakeover bool
}

// LeaseBlock describes the lease that kept a worker from starting.
type LeaseBlock struct {
	Owner     string     `json:"owner"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Status is a snapshot of a worker.
type Status struct {
	Name           string         `json:"name"`
	Running        bool           `json:"running"`
	InFlight       bool           `json:"inFlight"`
	IntervalMs     int64          `json:"intervalMs"`
	LeaseOwner     string         `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time     `json:"leaseExpiresAt,omitempty"`
	LeaseBlockedBy *LeaseBlock    `json:"leaseBlockedBy,omitempty"`
	Standby        bool           `json:"standby,omitempty"`
	LastRunAt      *time.Time     `json:"lastRunAt,omitempty"`
	LastRunSummary map[string]any `json:"lastRunSummary,omitempty"`
	ErrorStreak    int            `json:"errorStreak"`
	LastError      string         `json:"lastError,omitempty"`
}

// Worker drives one named cycle on an interval while it holds the lease.
type Worker struct {
	name   string
	cycle  Cycle
	repo   *records.Repository
	clk    clock.Clock
	owner  string
	logger *slog.Logger

	inFlight atomic.Bool

	mu        sync.Mutex
	running   bool
	interval  time.Duration
	scheduler *cron.Cron
	standby   *cron.Cron
	cancel    context.CancelFunc
	state     models.WorkerState
	blockedBy *LeaseBlock

	restoreOnce sync.Once
	restoreErr  error
}

// New creates a stopped worker.
func New(name string, cycle Cycle, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	if cfg.Owner == "" {
		cfg.Owner = NewOwner()
	}

	return &Worker{
		name:     name,
		cycle:    cycle,
		repo:     cfg.Repo,
		clk:      cfg.Clock,
		owner:    cfg.Owner,
		logger:   logger.With("module", "worker", "worker", name),
		interval: cfg.DefaultInterval,
		state:    models.WorkerState{WorkerID: name, IntervalMs: cfg.DefaultInterval.Milliseconds()},
	}
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Owner returns the lease owner identity of this worker.
func (w *Worker) Owner() string {
	return w.owner
}

// Status returns the worker's current snapshot.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.statusLocked()
}

func (w *Worker) statusLocked() Status {
	s := Status{
		Name:           w.name,
		Running:        w.running,
		InFlight:       w.inFlight.Load(),
		IntervalMs:     w.interval.Milliseconds(),
		LastRunAt:      w.state.LastRunAt,
		LastRunSummary: w.state.LastRunSummary,
		ErrorStreak:    w.state.ErrorStreak,
		LastError:      w.state.LastError,
		LeaseBlockedBy: w.blockedBy,
		Standby:        w.standby != nil,
	}

	if w.state.Running {
		s.LeaseOwner = w.state.LeaseOwner
		s.LeaseExpiresAt = w.state.LeaseExpiresAt
	}

	return s
}

// Start takes the lease and schedules the cycle every interval. A zero
// interval uses the configured default. Starting a running worker is a
// no-op. Only an unexpired lease of another owner keeps the worker from
// starting; a lease that cannot be persisted is logged and the worker runs.
func (w *Worker) Start(ctx context.Context, interval time.Duration, opts StartOptions) (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.startLocked(ctx, interval, opts)
}

func (w *Worker) startLocked(ctx context.Context, interval time.Duration, opts StartOptions) (Status, error) {
	if w.running {
		return w.statusLocked(), nil
	}

	if interval <= 0 {
		interval = w.interval
	}

	if interval <= 0 {
		return w.statusLocked(), fmt.Errorf("worker %s: interval must be positive", w.name)
	}

	now := w.clk.Now()
	expires := now.Add(LeaseTTL(interval))

	var holder *LeaseBlock

	state, err := w.update(ctx, "start "+w.name, func(s *models.WorkerState) error {
		holder = nil

		if s.LeaseHeldBy(w.owner, now) && !opts.ForceTakeover {
			holder = &LeaseBlock{Owner: s.LeaseOwner, ExpiresAt: s.LeaseExpiresAt}

			return records.ErrUnchanged
		}

		s.Running = true
		s.IntervalMs = interval.Milliseconds()
		s.LeaseOwner = w.owner
		s.LeaseExpiresAt = &expires

		return nil
	})
	if holder != nil {
		if state != nil {
			w.state = *state
		}

		w.blockedBy = holder
		w.logger.WarnContext(ctx, "worker lease held elsewhere", "lease_owner", holder.Owner, "lease_expires_at", holder.ExpiresAt)

		return w.statusLocked(), ErrLeaseHeld
	}

	if err != nil {
		w.logger.WarnContext(ctx, "failed to persist worker lease, starting anyway", "error", err)

		w.state.Running = true
		w.state.IntervalMs = interval.Milliseconds()
		w.state.LeaseOwner = w.owner
		w.state.LeaseExpiresAt = &expires
	} else {
		w.state = *state
	}

	if opts.ForceTakeover {
		w.logger.WarnContext(ctx, "worker lease taken over", "lease_owner", w.owner)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cronLogger{w.logger}),
		cron.SkipIfStillRunning(cronLogger{w.logger}),
	))
	scheduler.Schedule(cron.Every(interval), cron.FuncJob(func() { w.tick(runCtx) }))
	scheduler.Start()

	w.running = true
	w.interval = interval
	w.scheduler = scheduler
	w.cancel = cancel
	w.blockedBy = nil
	w.stopStandbyLocked()

	w.logger.InfoContext(ctx, "worker started", "interval", interval, "lease_owner", w.owner, "lease_expires_at", expires)

	return w.statusLocked(), nil
}

// Stop unschedules the worker, waits for an in-flight cycle to finish or ctx
// to end, and releases the lease.
func (w *Worker) Stop(ctx context.Context) (Status, error) {
	w.mu.Lock()

	w.stopStandbyLocked()

	if !w.running {
		defer w.mu.Unlock()

		return w.statusLocked(), nil
	}

	scheduler, cancel := w.scheduler, w.cancel
	w.running = false
	w.scheduler = nil
	w.cancel = nil
	w.mu.Unlock()

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		w.logger.WarnContext(ctx, "stopped before the in-flight cycle finished", "error", ctx.Err())
	}

	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	state, err := w.update(context.WithoutCancel(ctx), "stop "+w.name, func(s *models.WorkerState) error {
		if s.LeaseOwner != w.owner {
			return records.ErrUnchanged
		}

		s.Running = false
		s.LeaseOwner = ""
		s.LeaseExpiresAt = nil

		return nil
	})
	if err != nil {
		return w.statusLocked(), fmt.Errorf("worker %s: release lease: %w", w.name, err)
	}

	w.state = *state

	w.logger.InfoContext(ctx, "worker stopped")

	return w.statusLocked(), nil
}

// Restore loads the persisted state once and resumes the worker if it was
// left running and its lease is free or already ours.
func (w *Worker) Restore(ctx context.Context) error {
	w.restoreOnce.Do(func() {
		w.restoreErr = w.restore(ctx)
	})

	return w.restoreErr
}

func (w *Worker) restore(ctx context.Context) error {
	rec, err := records.Get[models.WorkerState](ctx, w.repo, models.KindWorkerState, w.name)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil
		}

		return fmt.Errorf("worker %s: load state: %w", w.name, err)
	}

	w.mu.Lock()
	w.state = *rec.Value
	w.mu.Unlock()

	if !rec.Value.Running {
		return nil
	}

	interval := time.Duration(rec.Value.IntervalMs) * time.Millisecond

	_, err = w.Start(ctx, interval, StartOptions{})
	if errors.Is(err, ErrLeaseHeld) {
		w.StandBy(ctx, interval)

		return nil
	}

	return err
}

// StandBy retries Start every interval until the worker holds the lease or
// is stopped. A zero interval uses the configured default. It is a no-op for
// a running worker or one already standing by.
func (w *Worker) StandBy(ctx context.Context, interval time.Duration) Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || w.standby != nil {
		return w.statusLocked()
	}

	if interval <= 0 {
		interval = w.interval
	}

	if interval <= 0 {
		return w.statusLocked()
	}

	runCtx := context.WithoutCancel(ctx)

	standby := cron.New(cron.WithChain(
		cron.Recover(cronLogger{w.logger}),
		cron.SkipIfStillRunning(cronLogger{w.logger}),
	))
	standby.Schedule(cron.Every(interval), cron.FuncJob(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		// stopped or started since this job was scheduled
		if w.standby != standby {
			return
		}

		_, err := w.startLocked(runCtx, interval, StartOptions{})
		if err != nil && !errors.Is(err, ErrLeaseHeld) {
			w.logger.ErrorContext(runCtx, "standby start failed", "error", err)
		}
	}))
	w.standby = standby
	standby.Start()

	w.logger.InfoContext(ctx, "worker standing by for lease", "interval", interval)

	return w.statusLocked()
}

func (w *Worker) stopStandbyLocked() {
	if w.standby == nil {
		return
	}

	w.standby.Stop()
	w.standby = nil
}

// RunOnce runs a single cycle now. It returns skippedBusy when a cycle is
// already in flight.
func (w *Worker) RunOnce(ctx context.Context) (map[string]any, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return map[string]any{"skippedBusy": true}, nil
	}
	defer w.inFlight.Store(false)

	summary, cycleErr := w.cycle(ctx)

	now := w.clk.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	running, interval := w.running, w.interval
	expires := now.Add(LeaseTTL(interval))

	state, err := w.update(ctx, "run "+w.name, func(s *models.WorkerState) error {
		s.LastRunAt = &now
		s.LastRunSummary = summary

		if cycleErr != nil {
			s.ErrorStreak++
			s.LastError = cycleErr.Error()
		} else {
			s.ErrorStreak = 0
			s.LastError = ""
		}

		if running && !s.LeaseHeldBy(w.owner, now) {
			s.Running = true
			s.IntervalMs = interval.Milliseconds()
			s.LeaseOwner = w.owner
			s.LeaseExpiresAt = &expires
		}

		return nil
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to persist worker state", "error", err)
	} else {
		w.state = *state
	}

	if cycleErr != nil {
		w.logger.ErrorContext(ctx, "worker cycle failed", "error", cycleErr, "error_streak", w.state.ErrorStreak)
	} else {
		w.logger.DebugContext(ctx, "worker cycle finished", "summary", summary)
	}

	return summary, cycleErr
}

// tick is the scheduled cycle. A worker that lost its lease to a forced
// takeover stops itself instead of running.
func (w *Worker) tick(ctx context.Context) {
	rec, err := records.Get[models.WorkerState](ctx, w.repo, models.KindWorkerState, w.name)
	if err == nil && rec.Value.LeaseHeldBy(w.owner, w.clk.Now()) {
		w.logger.WarnContext(ctx, "worker lease lost", "lease_owner", rec.Value.LeaseOwner)
		go w.yield(ctx, rec.Value)

		return
	}

	_, _ = w.RunOnce(ctx)
}

// yield stops scheduling without touching the new owner's lease.
func (w *Worker) yield(ctx context.Context, holder *models.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.running = false
	w.scheduler.Stop()
	w.cancel()
	w.scheduler = nil
	w.cancel = nil
	w.state = *holder
	w.blockedBy = &LeaseBlock{Owner: holder.LeaseOwner, ExpiresAt: holder.LeaseExpiresAt}

	w.logger.InfoContext(ctx, "worker yielded lease")
}

// update applies fn to the stored worker state, creating the record on
// first use.
func (w *Worker) update(ctx context.Context, message string, fn func(*models.WorkerState) error) (*models.WorkerState, error) {
	var lastErr error

	for range stateAttempts {
		rec, err := records.Mutate(ctx, w.repo, models.KindWorkerState, w.name, message, fn)
		if err == nil {
			return rec.Value, nil
		}

		if !persistence.IsNotFound(err) {
			return nil, err
		}

		state := &models.WorkerState{WorkerID: w.name, IntervalMs: w.interval.Milliseconds()}

		if err := fn(state); err != nil && !errors.Is(err, records.ErrUnchanged) {
			return nil, err
		}

		created, err := records.Insert(ctx, w.repo, models.KindWorkerState, w.name, message, state)
		if err == nil {
			return created.Value, nil
		}

		if !errors.Is(err, persistence.ErrRecordExists) {
			return nil, err
		}

		lastErr = err
	}

	return nil, lastErr
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
