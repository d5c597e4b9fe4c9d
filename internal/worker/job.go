package worker

import (
	"context"
	"errors"
	"fmt"
)

// ErrDispatcherBusy is returned when the job queue is full.
var ErrDispatcherBusy = errors.New("dispatcher busy")

// ErrClosed is returned for jobs submitted after Close.
var ErrClosed = errors.New("worker pool closed")

// ErrCanceled is returned for queued jobs dropped by CancelUser.
var ErrCanceled = errors.New("job canceled")

// Job is one unit of work owned by a user.
type Job struct {
	UserID int64
	ctx    context.Context
	fn     func(ctx context.Context) error
	done   chan error
	stop   bool
}

func (job Job) userID() int64 {
	return job.UserID
}

func (job Job) run() {
	if err := job.ctx.Err(); err != nil {
		// the caller gave up while the job was queued
		job.done <- err
		return
	}
	defer func() {
		if r := recover(); r != nil {
			job.done <- fmt.Errorf("job panicked: %v", r)
		}
	}()
	job.done <- job.fn(job.ctx)
}
