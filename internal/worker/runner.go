package worker

import (
	"context"
	"time"
)

// Config sizes the pool.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Pool bounds how many jobs run at once and shares the workers fairly
// between users.
type Pool struct {
	d *Dispatcher
}

func NewPool(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Pool{d: NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout)}
}

// Do queues fn for userID and waits for it to finish. It returns
// ErrDispatcherBusy without queueing when the queue is full, and ctx.Err()
// if ctx ends first; a job whose ctx ended before it started is skipped.
func (p *Pool) Do(ctx context.Context, userID int64, fn func(ctx context.Context) error) error {
	job := Job{UserID: userID, ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := p.d.Submit(job); err != nil {
		return err
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.d.quit:
		return ErrClosed
	}
}

// Stats is a snapshot of the pool.
type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
}

// Stats reports started and idle workers and jobs waiting for one.
func (p *Pool) Stats() Stats {
	workers, idle := p.d.pool.size()
	return Stats{Workers: workers, Idle: idle, Queued: p.d.pending()}
}

// CancelUser drops the queued jobs of userID and reports how many were
// dropped.
func (p *Pool) CancelUser(userID int64) int {
	return p.d.CancelUser(userID)
}

// Close stops the pool.
func (p *Pool) Close() {
	p.d.Close()
}
