// Package concurrency provides the bounded worker pool used for event
// fan-out, built on alitto/pond.
package concurrency

import (
	"fmt"
	"time"

	"fundarb/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool. Zero values fall back to defaults
// suited to short event-handler tasks.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail fast when the queue is full instead
	// of applying backpressure to the caller.
	NonBlocking bool
}

func (c *PoolConfig) normalize() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
}

// WorkerPool is a named pond pool with panic recovery. A panicking task
// is logged and the worker survives; it never takes down the process.
type WorkerPool struct {
	pool *pond.WorkerPool
	cfg  PoolConfig
}

// NewWorkerPool creates a pool per cfg.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg.normalize()
	plog := logger.WithField("pool", cfg.Name)

	return &WorkerPool{
		cfg: cfg,
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				plog.Error("Recovered panic in pool task", "panic", p)
			}),
		),
	}
}

// Submit queues a task. Blocking pools park the caller while the queue
// is full; non-blocking pools return an error instead.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.cfg.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("pool %q full at capacity %d", wp.cfg.Name, wp.cfg.MaxCapacity)
	}
	return nil
}

// WaitingTasks reports the current queue length.
func (wp *WorkerPool) WaitingTasks() uint64 {
	return wp.pool.WaitingTasks()
}

// StopAndWait rejects new submissions and blocks until every queued
// task has run.
func (wp *WorkerPool) StopAndWait() {
	wp.pool.StopAndWait()
}
