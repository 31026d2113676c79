package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/services"
)

// Default intervals of the standard workers.
const (
	DefaultPollInterval     = 15 * time.Second
	DefaultRetryInterval    = 60 * time.Second
	DefaultIncidentInterval = 60 * time.Second
)

// ErrUnknownWorker is returned by Set.Get for names it does not hold.
var ErrUnknownWorker = errors.New("unknown worker")

func withDefault(cfg Config, interval time.Duration) Config {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = interval
	}

	return cfg
}

// NewPoller creates the execution poller, which reconciles running
// execution runs against their adapters.
func NewPoller(reconciler *services.Reconciler, cfg Config, logger *slog.Logger) *Worker {
	return New(models.WorkerExecutionPoller, func(ctx context.Context) (map[string]any, error) {
		summary, err := reconciler.Scan(ctx)
		if summary == nil {
			return nil, err
		}

		return summary.Map(), err
	}, withDefault(cfg, DefaultPollInterval), logger)
}

// NewRetryWorker creates the retry worker. maxAttempts bounds a lineage;
// zero means services.DefaultMaxAttempts.
func NewRetryWorker(runs *services.ExecutionRuns, maxAttempts int, cfg Config, logger *slog.Logger) *Worker {
	return New(models.WorkerRetry, func(ctx context.Context) (map[string]any, error) {
		summary, err := runs.ScanRetries(ctx, maxAttempts)
		if summary == nil {
			return nil, err
		}

		return summary.Map(), err
	}, withDefault(cfg, DefaultRetryInterval), logger)
}

// NewIncidentScanner creates the worker that raises incidents.
func NewIncidentScanner(incidents *services.Incidents, cfg Config, logger *slog.Logger) *Worker {
	return New(models.WorkerIncidentScanner, func(ctx context.Context) (map[string]any, error) {
		summary, err := incidents.Scan(ctx)
		if summary == nil {
			return nil, err
		}

		return summary.Map(), err
	}, withDefault(cfg, DefaultIncidentInterval), logger)
}

// Set holds the process's workers by name.
type Set struct {
	workers map[string]*Worker
}

// NewSet creates a set of workers.
func NewSet(workers ...*Worker) *Set {
	s := &Set{workers: make(map[string]*Worker, len(workers))}

	for _, w := range workers {
		s.workers[w.Name()] = w
	}

	return s
}

// Get returns the named worker.
func (s *Set) Get(name string) (*Worker, error) {
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}

	return w, nil
}

// All returns the workers sorted by name.
func (s *Set) All() []*Worker {
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })

	return out
}

// RestoreAll restores every worker.
func (s *Set) RestoreAll(ctx context.Context) error {
	var errs []error

	for _, w := range s.All() {
		if err := w.Restore(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// StopAll stops every running worker.
func (s *Set) StopAll(ctx context.Context) error {
	var errs []error

	for _, w := range s.All() {
		if _, err := w.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
