package worker

import (
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

type workerState int

const (
	workerBusy workerState = iota
	workerParked
	workerStopping
)

// workerPool grows on demand up to max and shrinks back toward min as parked
// workers sit past the expiry. Each worker is addressed by its job channel.
type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	states  map[chan Job]workerState
	idleAt  map[chan Job]time.Time
	parked  []chan Job // LIFO: the most recently parked worker goes out first
	min     int
	max     int
	running int
	expiry  time.Duration
	manager *Manager
}

func newWorkerPool(minWorkers, maxWorkers int, expiry time.Duration, manager *Manager) *workerPool {
	if expiry <= 0 {
		expiry = defaultWorkerIdle
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &workerPool{
		states:  make(map[chan Job]workerState),
		idleAt:  make(map[chan Job]time.Time),
		min:     minWorkers,
		max:     maxWorkers,
		expiry:  expiry,
		manager: manager,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reap()
	return p
}

// grow starts one more worker if the pool has room. The worker parks itself
// once its loop is up.
func (p *workerPool) grow() {
	p.mu.Lock()
	p.startLocked()
	p.mu.Unlock()
}

func (p *workerPool) startLocked() bool {
	if p.running >= p.max {
		return false
	}
	w := NewWorker(p, p.manager)
	p.states[w.jobChannel] = workerBusy
	p.running++
	w.Start()
	return true
}

// acquire hands out a parked worker channel ready to take one job, waiting
// while the pool is saturated.
func (p *workerPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if ch, ok := p.popParkedLocked(); ok {
			return ch
		}
		// spawn if there is room; the new worker parks itself and wakes us
		p.startLocked()
		p.cond.Wait()
	}
}

func (p *workerPool) popParkedLocked() (chan Job, bool) {
	for n := len(p.parked); n > 0; n = len(p.parked) {
		ch := p.parked[n-1]
		p.parked = p.parked[:n-1]
		// entries may have been retired or marked stopping since parking
		if p.states[ch] != workerParked {
			continue
		}
		p.states[ch] = workerBusy
		return ch, true
	}
	return nil, false
}

// park returns a worker to the pool between jobs.
func (p *workerPool) park(ch chan Job) {
	p.mu.Lock()
	if state, ok := p.states[ch]; !ok || state != workerBusy {
		p.mu.Unlock()
		return
	}
	p.states[ch] = workerParked
	p.idleAt[ch] = time.Now()
	p.parked = append(p.parked, ch)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire removes a worker that is shutting down.
func (p *workerPool) retire(ch chan Job) {
	p.mu.Lock()
	if _, ok := p.states[ch]; ok {
		delete(p.states, ch)
		delete(p.idleAt, ch)
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) reap() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for range ticker.C {
		for _, ch := range p.expire(time.Now()) {
			ch <- Job{Type: Stop}
		}
	}
}

// expire marks workers parked past the expiry as stopping, never shrinking
// below min, and returns their channels for the stop signal.
func (p *workerPool) expire(now time.Time) []chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running <= p.min {
		return nil
	}
	var stale []chan Job
	keep := p.parked[:0]
	for _, ch := range p.parked {
		if p.states[ch] != workerParked {
			continue
		}
		if now.Sub(p.idleAt[ch]) >= p.expiry && p.running-len(stale) > p.min {
			p.states[ch] = workerStopping
			stale = append(stale, ch)
			continue
		}
		keep = append(keep, ch)
	}
	p.parked = keep
	return stale
}
