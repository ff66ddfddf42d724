// Package inbox implements the node's bounded FIFO of delivered messages,
// drained on read by the control plane.
package inbox

import (
	"sync"

	"github.com/kizuna-net/bridge/internal/wire"
)

const defaultCapacity = 4096

// Buffer is a bounded FIFO of wire.InboxRecord. Append is O(1) amortised;
// Drain atomically swaps the backing slice with an empty one, matching
// spec's pop-on-read semantics.
type Buffer struct {
	mu       sync.Mutex
	records  []wire.InboxRecord
	capacity int
}

// New builds an empty Buffer capped at capacity records (the oldest is
// dropped once full).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Append adds rec to the tail, dropping the oldest record if full.
func (b *Buffer) Append(rec wire.InboxRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.capacity {
		b.records = b.records[1:]
	}
	b.records = append(b.records, rec)
}

// Drain returns all buffered records and empties the buffer.
func (b *Buffer) Drain() []wire.InboxRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.records
	b.records = nil
	return out
}

// Len reports the current buffered record count without draining.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
