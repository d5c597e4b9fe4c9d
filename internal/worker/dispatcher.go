package worker

import (
	"container/list"
	"sync"
	"time"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands queued jobs to workers round-robin across users, so one
// user with many jobs cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element

	quit     chan struct{}
	quitOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		JobQueue:  make(chan Job, queueSize),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(minWorkers, maxWorkers, idleTimeout, d.quit)

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit enqueues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrClosed
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		d.drain()
		if !d.hasPending() {
			select {
			case job := <-d.JobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		workerChan, ok := d.pool.acquire()
		if !ok {
			return
		}
		// pick after a worker is free so late arrivals from other users
		// still get their turn
		d.drain()
		job, ok := d.next()
		if !ok {
			d.pool.Release(workerChan)
			continue
		}
		debugLog("[dispatcher] assign job for user %d to worker-%d", job.userID(), d.pool.workerID(workerChan))
		workerChan <- job
	}
}

// drain moves every job waiting on JobQueue into the per-user queues.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) hasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

// Close stops dispatching and retires every worker. Jobs still queued fail
// with ErrClosed.
func (d *Dispatcher) Close() {
	d.quitOnce.Do(func() {
		close(d.quit)
		d.pool.shutdown()

		d.mu.Lock()
		pending := d.queues
		d.queues = make(map[int64]*userQueue)
		d.ready.Init()
		d.positions = make(map[int64]*list.Element)
		d.mu.Unlock()
		for _, q := range pending {
			for _, job := range q.jobs {
				job.done <- ErrClosed
			}
		}
		for {
			select {
			case job := <-d.JobQueue:
				job.done <- ErrClosed
			default:
				return
			}
		}
	})
}

// CancelUser drops every queued job of userID. Jobs already running are not
// interrupted; dropped jobs fail with ErrCanceled.
func (d *Dispatcher) CancelUser(userID int64) int {
	d.drain()

	d.mu.Lock()
	q := d.queues[userID]
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	d.mu.Unlock()

	if q == nil {
		return 0
	}
	for _, job := range q.jobs {
		job.done <- ErrCanceled
	}
	debugLog("[dispatcher] canceled %d queued jobs for user %d", len(q.jobs), userID)
	return len(q.jobs)
}

// pending counts jobs waiting for a worker.
func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.JobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// user already enqueue, skip
		return
	}
	// new user, enqueue
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// next pops one job of the first user in the LRU queue and moves that user
// to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this user, it leaves the queue
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}
