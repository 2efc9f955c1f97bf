// Package dispatch runs orchestration work detached from the request that
// asked for it, one job per subject at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/uesteibar/opsdeck/internal/runerr"
)

// Job is the detached work. It should honour ctx cancellation.
type Job func(ctx context.Context) error

type Config struct {
	MaxWorkers int
	Logger     *slog.Logger
	// OnDone, if set, is called after every job with its key and error.
	OnDone func(key string, err error)
}

// Dispatcher manages job goroutines. It limits the number of concurrent jobs
// and tracks which subjects are currently busy.
type Dispatcher struct {
	maxWorkers int
	logger     *slog.Logger
	onDone     func(key string, err error)

	mu     sync.Mutex
	active map[string]context.CancelFunc // subject key → cancel func
	sem    chan struct{}                 // semaphore limiting concurrency
	wg     sync.WaitGroup
}

// New creates a Dispatcher with the given configuration.
func New(cfg Config) *Dispatcher {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		maxWorkers: maxWorkers,
		logger:     logger,
		onDone:     cfg.OnDone,
		active:     make(map[string]context.CancelFunc),
		sem:        make(chan struct{}, maxWorkers),
	}
}

// Dispatch starts job in its own goroutine under key. The job's context
// derives from ctx, so pass a long-lived context rather than a request's.
// It returns a validation error when key is already busy and a transient
// error when every worker slot is taken.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, job Job) error {
	// Try to acquire a worker slot (non-blocking).
	select {
	case d.sem <- struct{}{}:
	default:
		return runerr.New(runerr.KindTransientIO, fmt.Sprintf("no worker slot available (max %d)", d.maxWorkers), nil)
	}

	d.mu.Lock()
	if _, ok := d.active[key]; ok {
		d.mu.Unlock()
		<-d.sem
		return runerr.Validationf("%s is already running", key)
	}
	jobCtx, cancel := context.WithCancel(ctx)
	d.active[key] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(jobCtx, cancel, key, job)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, key string, job Job) {
	var err error
	defer d.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("job panicked", "key", key, "panic", p, "stack", string(debug.Stack()))
			err = runerr.New(runerr.KindInternal, fmt.Sprintf("job panicked: %v", p), nil)
		}
		<-d.sem // release worker slot
		d.mu.Lock()
		delete(d.active, key)
		d.mu.Unlock()
		cancel()
		if d.onDone != nil {
			d.onDone(key, err)
		}
	}()

	err = job(ctx)
	switch {
	case err == nil:
		d.logger.Debug("job finished", "key", key)
	case errors.Is(err, context.Canceled):
		d.logger.Info("job cancelled", "key", key)
	default:
		d.logger.Warn("job failed", "key", key, "kind", runerr.KindOf(err), "error", err)
	}
}

// Cancel cancels the job running under key. It reports whether one was.
func (d *Dispatcher) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.active[key]
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every active job.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.active {
		cancel()
	}
}

// Wait blocks until all active jobs have completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for active jobs until ctx is done, then cancels the rest
// and waits for them to unwind.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached, cancelling jobs", "active", d.ActiveCount())
		d.CancelAll()
		<-done
	}
}

// IsRunning returns true if a job is active for key.
func (d *Dispatcher) IsRunning(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[key]
	return ok
}

// ActiveCount returns the number of currently active jobs.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
