package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler processes the payload of a claimed job and returns an optional
// result. Handlers must be idempotent: the queue guarantees at-least-once
// delivery, so a handler may observe the same job more than once (for
// example after a crash mid-execution).
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// PermanentError wraps a handler error to signal that retrying cannot help
// (malformed payload, business-rule rejection). The marker is informational;
// the retry budget still governs dead-lettering.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// registration pairs a handler with its execution budget.
type registration struct {
	handler Handler
	timeout time.Duration
}

// Registry maps job types to handlers. Registration normally happens once at
// startup, before workers start, but the registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds a handler to a job type using the worker's default timeout.
// Registering the same type twice replaces the previous handler.
func (r *Registry) Register(jobType string, handler Handler) {
	r.RegisterWithTimeout(jobType, handler, 0)
}

// RegisterWithTimeout binds a handler with a per-type execution budget. A
// zero timeout falls back to the configured default.
func (r *Registry) RegisterWithTimeout(jobType string, handler Handler, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = registration{handler: handler, timeout: timeout}
}

// Types returns the registered job types. Workers claim only these, so jobs
// of other types stay queued for processes that do handle them.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

func (r *Registry) lookup(jobType string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[jobType]
	return reg, ok
}

// Worker is a single poll loop: it claims jobs matching its registry,
// executes handlers with a timeout, and reports the outcome back to the
// queue. Run several Workers (or use Pool) to raise throughput.
type Worker struct {
	queue    *Queue
	registry *Registry
	config   *Config
	id       string
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker creates a worker with the given unique ID. The ID becomes the
// lease owner of every job the worker claims.
func NewWorker(queue *Queue, registry *Registry, config *Config, workerID string, logger *slog.Logger) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		queue:    queue,
		registry: registry,
		config:   config,
		id:       workerID,
		logger:   logger.With("workerID", workerID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the worker's poll loop in a background goroutine and
// returns immediately. The loop exits when Stop is called or ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops the worker gracefully: no new jobs are claimed, and the
// in-flight job (if any) gets the configured grace period to finish before
// it is abandoned to lease expiry. Blocks until the loop has exited.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", "types", w.registry.Types())
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("worker stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and executes jobs until the queue is empty or a stop is
// requested, so a backlog is served faster than one job per poll tick.
func (w *Worker) drain(ctx context.Context) {
	// An empty type set would claim every job and fail each one for want of
	// a handler; a worker with nothing registered claims nothing.
	types := w.registry.Types()
	if len(types) == 0 {
		return
	}

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx, w.id, types)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("failed to claim job", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		w.execute(ctx, job)
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// execute runs the handler for one claimed job and reports the outcome.
func (w *Worker) execute(ctx context.Context, job *Job) {
	logger := w.logger.With("jobID", job.ID, "jobType", job.Type, "attempts", job.Attempts)

	// Once claimed, the job must be reported even if the run context is
	// cancelled mid-execution; a dropped report would leave a finished job
	// in_progress until its lease expires and it runs a second time.
	reportCtx := context.WithoutCancel(ctx)

	reg, ok := w.registry.lookup(job.Type)
	if !ok {
		// Claim filtering should prevent this; fail the attempt so the job is
		// not stuck in_progress until the reaper notices.
		logger.Error("no handler registered")
		if err := w.queue.Fail(reportCtx, job.ID, w.id, fmt.Errorf("no handler registered for type %q", job.Type)); err != nil {
			logger.Error("failed to report missing handler", "error", err)
		}
		return
	}

	timeout := reg.timeout
	if timeout <= 0 {
		timeout = w.config.HandlerTimeout
	}
	// Detached from the run context: shutdown grants the handler a grace
	// period instead of cancelling it at the instant of the stop signal.
	handlerCtx, cancel := context.WithTimeout(reportCtx, timeout)
	defer cancel()

	logger.Debug("executing job")
	start := time.Now()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		result, err := reg.handler(handlerCtx, job.Payload)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	var finished bool
	select {
	case out = <-done:
		finished = true
	case <-w.stopCh:
		out, finished = w.awaitDuringShutdown(done, cancel, logger)
	case <-ctx.Done():
		out, finished = w.awaitDuringShutdown(done, cancel, logger)
	}
	if !finished {
		return
	}

	elapsed := time.Since(start)
	if out.err != nil {
		if IsPermanent(out.err) {
			logger.Warn("handler reported permanent failure", "error", out.err, "elapsed", elapsed)
		} else {
			logger.Warn("handler failed", "error", out.err, "elapsed", elapsed)
		}
		if err := w.queue.Fail(reportCtx, job.ID, w.id, out.err); err != nil {
			logger.Error("failed to report job failure", "error", err)
		}
		return
	}

	if err := w.queue.Complete(reportCtx, job.ID, w.id, out.result); err != nil {
		logger.Error("failed to report job completion", "error", err)
		return
	}
	logger.Debug("job completed", "elapsed", elapsed)
}

// awaitDuringShutdown gives an in-flight handler the configured grace period
// to finish after a stop signal. Returns false when the grace period lapsed:
// the handler is cancelled and the job is abandoned to lease expiry, where
// the reaper will requeue it. Whatever report the stuck handler might still
// produce would be dropped as stale.
func (w *Worker) awaitDuringShutdown(done <-chan outcome, cancel context.CancelFunc, logger *slog.Logger) (outcome, bool) {
	grace := time.NewTimer(w.config.ShutdownGrace)
	defer grace.Stop()

	select {
	case out := <-done:
		return out, true
	case <-grace.C:
		cancel()
		logger.Warn("abandoning in-flight job on shutdown", "grace", w.config.ShutdownGrace)
		go func() { <-done }()
		return outcome{}, false
	}
}
