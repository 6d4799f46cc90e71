// Package stream holds the short-lived buffer of generation deltas.
// Fragments live here only while the owning assistant message is being
// produced; once the message is sealed the stored text is authoritative
// and the buffer entry is dropped.
package stream

import (
	"context"

	"threadflow/internal/models"
)

// Event is what a live subscriber receives: either one delta or a terminal
// marker carrying the generation's final status.
type Event struct {
	Delta  *models.Delta `json:"delta,omitempty"`
	Done   bool          `json:"done,omitempty"`
	Status models.Status `json:"status,omitempty"`
}

// Buffer is the delta store the generation worker writes and readers consume.
type Buffer interface {
	// Append records the next fragment and notifies subscribers. Sequences
	// per generation are assigned by the caller: gap-free, starting at 0.
	Append(ctx context.Context, delta models.Delta) error
	// Range reads buffered deltas for a generation starting at sequence from.
	Range(ctx context.Context, generationID int64, from int) ([]models.Delta, error)
	// Finish notifies subscribers that the generation reached a terminal
	// status. The buffered deltas stay readable until Drop.
	Finish(ctx context.Context, generationID int64, status models.Status) error
	// Drop discards buffered deltas for the given generations.
	Drop(ctx context.Context, generationIDs ...int64) error
	// Subscribe delivers future events for a generation. The returned func
	// cancels the subscription and closes the channel.
	Subscribe(ctx context.Context, generationID int64) (<-chan Event, func(), error)
}
