package stream

import (
	"context"
	"sync"

	"threadflow/internal/models"
)

// MemoryBuffer is an in-process Buffer for single-node deployments without
// redis, and for tests.
type MemoryBuffer struct {
	mu          sync.Mutex
	fragments   map[int64][]string
	subscribers map[int64]map[int]chan Event
	nextSubID   int
}

func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{
		fragments:   make(map[int64][]string),
		subscribers: make(map[int64]map[int]chan Event),
	}
}

func (b *MemoryBuffer) Append(_ context.Context, delta models.Delta) error {
	b.mu.Lock()
	b.fragments[delta.GenerationID] = append(b.fragments[delta.GenerationID], delta.Fragment)
	subs := b.snapshotSubs(delta.GenerationID)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- Event{Delta: &delta}:
		default:
			// slow subscriber; it will catch up via Range
		}
	}
	return nil
}

func (b *MemoryBuffer) Range(_ context.Context, generationID int64, from int) ([]models.Delta, error) {
	if from < 0 {
		from = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fragments := b.fragments[generationID]
	if from >= len(fragments) {
		return nil, nil
	}
	deltas := make([]models.Delta, 0, len(fragments)-from)
	for i := from; i < len(fragments); i++ {
		deltas = append(deltas, models.Delta{
			GenerationID: generationID,
			Sequence:     i,
			Fragment:     fragments[i],
		})
	}
	return deltas, nil
}

func (b *MemoryBuffer) Finish(_ context.Context, generationID int64, status models.Status) error {
	b.mu.Lock()
	subs := b.subscribers[generationID]
	delete(b.subscribers, generationID)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- Event{Done: true, Status: status}:
		default:
			// stalled subscriber with a full backlog; the close below is
			// its terminal signal
		}
		close(ch)
	}
	return nil
}

func (b *MemoryBuffer) Drop(_ context.Context, generationIDs ...int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range generationIDs {
		delete(b.fragments, id)
	}
	return nil
}

func (b *MemoryBuffer) Subscribe(_ context.Context, generationID int64) (<-chan Event, func(), error) {
	ch := make(chan Event, subscribeBacklog)
	b.mu.Lock()
	subs := b.subscribers[generationID]
	if subs == nil {
		subs = make(map[int]chan Event)
		b.subscribers[generationID] = subs
	}
	id := b.nextSubID
	b.nextSubID++
	subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subscribers[generationID]; ok {
			if _, live := subs[id]; live {
				delete(subs, id)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel, nil
}

func (b *MemoryBuffer) snapshotSubs(generationID int64) []chan Event {
	subs := b.subscribers[generationID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		out = append(out, ch)
	}
	return out
}
