// Package concurrency wraps alitto/pond for the engine's background
// workers (the precompute drain). Tasks are submitted with the trace id
// of the cycle that spawned them, so a recovered panic in a worker still
// lands in the logs next to the rest of that cycle's records.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

// PoolConfig sizes one worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	// NonBlocking makes Submit return an error instead of blocking when
	// the queue is full.
	NonBlocking bool
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 64
	}
}

// WorkerPool is a named pond pool with structured panic recovery.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds the pool. Panics escaping a task are recovered by
// pond and logged against the pool name.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg.applyDefaults()
	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.PanicHandler(func(p interface{}) {
			log.Error("worker panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: log,
	}
}

// Submit queues a task. In non-blocking mode a full queue is an error;
// otherwise the caller waits for a slot.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.config.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("worker pool %q is full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
	}
	return nil
}

// SubmitTraced queues a task tagged with the spawning cycle's trace id.
// A panic inside the task is recovered here, logged with that trace id,
// and never reaches pond's generic handler.
func (wp *WorkerPool) SubmitTraced(traceID string, task func()) error {
	return wp.Submit(func() {
		defer func() {
			if p := recover(); p != nil {
				wp.logger.Error("worker panic recovered", "trace_id", traceID, "panic", p)
			}
		}()
		task()
	})
}

// Stop drains queued tasks and shuts the pool down.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// PoolStats is a point-in-time snapshot of the pool's counters.
type PoolStats struct {
	RunningWorkers int
	IdleWorkers    int
	Submitted      uint64
	Waiting        uint64
	Succeeded      uint64
	Failed         uint64
}

// Stats snapshots the counters for heartbeats and cycle logs.
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		RunningWorkers: wp.pool.RunningWorkers(),
		IdleWorkers:    wp.pool.IdleWorkers(),
		Submitted:      wp.pool.SubmittedTasks(),
		Waiting:        wp.pool.WaitingTasks(),
		Succeeded:      wp.pool.SuccessfulTasks(),
		Failed:         wp.pool.FailedTasks(),
	}
}
