package workqueue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool runs a configured number of workers alongside the lease reaper and the
// completed-job purger. It is the turnkey way to consume a queue: register
// handlers, then call Run.
type Pool struct {
	queue    *Queue
	registry *Registry
	config   *Config
	logger   *slog.Logger
}

// NewPool creates a pool over the given queue and handler registry. A nil
// config selects DefaultConfig; a nil logger discards log output.
func NewPool(queue *Queue, registry *Registry, config *Config, logger *slog.Logger) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{queue: queue, registry: registry, config: config, logger: logger}
}

// Run starts the workers, reaper, and purge loop, and blocks until ctx is
// cancelled. On cancellation each worker finishes or abandons its in-flight
// job per the shutdown grace, then Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	base := uuid.NewString()
	for i := 0; i < p.config.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", base, i)
		worker := NewWorker(p.queue, p.registry, p.config, workerID, p.logger)
		g.Go(func() error {
			worker.Start(ctx)
			<-ctx.Done()
			worker.Stop()
			return nil
		})
	}

	reaper := NewReaper(p.queue, p.config.ReapInterval, p.logger)
	g.Go(func() error {
		reaper.Run(ctx)
		return nil
	})

	g.Go(func() error {
		p.purgeLoop(ctx)
		return nil
	})

	p.logger.Info("pool started", "workers", p.config.Workers, "types", p.registry.Types())
	err := g.Wait()
	p.logger.Info("pool stopped")
	return err
}

// purgeLoop deletes completed jobs past their retention period.
func (p *Pool) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.PurgeCompleted(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("purge failed", "error", err)
			}
		}
	}
}
