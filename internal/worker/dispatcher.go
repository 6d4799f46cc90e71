package worker

import (
	"container/list"
	"sync"
	"time"
)

type threadQueue struct {
	jobs     []Job
	enqueued bool // thread is in the ready rotation
	inflight bool // a job of this thread is running on a worker
}

// Dispatcher serializes jobs per thread (FIFO within a thread, at most one
// running at a time) while rotating fairly across threads. Threads generate
// independently of each other; there is no cross-thread ordering.
type Dispatcher struct {
	pool     *workerPool
	JobQueue chan Job      // interface for outer jobs to get into the dispatcher
	notify   chan struct{} // wakes the run loop when a thread re-enters rotation

	mu        sync.Mutex
	queues    map[int64]*threadQueue // job queue for each thread
	ready     *list.List             // rotation queue storing thread IDs
	positions map[int64]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newWorkerPool(minWorkers, maxWorkers, idleTimeout, manager)
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[int64]*threadQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		notify:    make(chan struct{}, 1),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.grow()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the thread at the front of the rotation
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.notify:
			}
			continue
		}
		// if we have a new job, enqueue it and its thread
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		default:
		}
	}
}

// CancelThread drops all queued jobs for a thread. A job already handed to a
// worker keeps running; its store writes become no-ops once the thread rows
// are gone.
func (d *Dispatcher) CancelThread(threadID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[threadID]
	if q != nil {
		q.jobs = nil
		if !q.inflight {
			delete(d.queues, threadID)
		}
	}
	if elem, ok := d.positions[threadID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, threadID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	threadID := job.ThreadID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[threadID]
	if q == nil {
		q = &threadQueue{}
		d.queues[threadID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.inflight {
		// already rotating, or must wait for the running job
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(threadID)
	d.positions[threadID] = elem
}

// dispatchOne takes the first ready thread and hands its next job to a worker
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	threadID := elem.Value.(int64)
	q := d.queues[threadID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	// the thread leaves the rotation until its job finishes
	q.enqueued = false
	q.inflight = true
	d.ready.Remove(elem)
	delete(d.positions, threadID)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("[dispatcher] assign %s job for thread %d", job.Type, threadID)
	workerChan <- job
	return true
}

// jobDone is called by workers after finishing a job; the thread re-enters
// the rotation when it still has queued work.
func (d *Dispatcher) jobDone(threadID int64) {
	d.mu.Lock()
	q := d.queues[threadID]
	if q == nil {
		d.mu.Unlock()
		return
	}
	q.inflight = false
	if len(q.jobs) == 0 {
		delete(d.queues, threadID)
		d.mu.Unlock()
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(threadID)
	d.positions[threadID] = elem
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}
