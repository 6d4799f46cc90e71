package worker

import (
	"testing"
	"time"
)

// seedWorker registers a channel as a running busy worker without starting a
// goroutine behind it, so the bookkeeping can be driven step by step.
func seedWorker(p *workerPool) chan Job {
	ch := make(chan Job, 1)
	p.mu.Lock()
	p.states[ch] = workerBusy
	p.running++
	p.mu.Unlock()
	return ch
}

func popParked(p *workerPool) (chan Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popParkedLocked()
}

func TestWorkerPoolIdleBookkeeping(t *testing.T) {
	p := newWorkerPool(0, 4, time.Hour, nil)
	first := seedWorker(p)
	second := seedWorker(p)

	p.park(first)
	p.park(first) // parking a parked worker is a no-op
	p.park(second)
	if n := len(p.parked); n != 2 {
		t.Fatalf("expected 2 parked workers, got %d", n)
	}

	// most recently parked goes out first
	if ch, ok := popParked(p); !ok || ch != second {
		t.Fatalf("expected the last parked worker first")
	}
	if ch, ok := popParked(p); !ok || ch != first {
		t.Fatalf("expected the earlier parked worker next")
	}
	if _, ok := popParked(p); ok {
		t.Fatalf("expected no parked workers left")
	}

	p.retire(first)
	if _, tracked := p.states[first]; tracked {
		t.Fatalf("retired worker still tracked")
	}
	if p.running != 1 {
		t.Fatalf("expected 1 running worker after retire, got %d", p.running)
	}
	// a retired channel that was still on the parked stack is skipped
	p.park(second)
	p.retire(second)
	if _, ok := popParked(p); ok {
		t.Fatalf("popped a retired worker")
	}
}

func TestWorkerPoolExpiresIdleAboveMin(t *testing.T) {
	p := newWorkerPool(1, 4, time.Minute, nil)
	workers := []chan Job{seedWorker(p), seedWorker(p), seedWorker(p)}
	for _, ch := range workers {
		p.park(ch)
	}
	p.mu.Lock()
	for _, ch := range workers {
		p.idleAt[ch] = time.Now().Add(-2 * time.Minute)
	}
	p.mu.Unlock()

	stale := p.expire(time.Now())
	if len(stale) != 2 {
		t.Fatalf("expected the pool kept at min, got %d stale workers", len(stale))
	}
	for _, ch := range stale {
		if p.states[ch] != workerStopping {
			t.Fatalf("expired worker not marked stopping")
		}
		// a stopping worker cannot re-enter the parked stack
		p.park(ch)
	}
	if len(p.parked) != 1 {
		t.Fatalf("expected 1 survivor parked, got %d", len(p.parked))
	}
	if _, ok := popParked(p); !ok {
		t.Fatalf("surviving worker not available")
	}

	// a second sweep with everyone gone leaves the minimum untouched
	if stale := p.expire(time.Now()); len(stale) != 0 {
		t.Fatalf("expected no further expiry at min, got %d", len(stale))
	}
}
