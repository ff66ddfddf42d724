package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kizuna-net/bridge/internal/wire"
)

func TestAppendAndDrain(t *testing.T) {
	b := New(4)
	b.Append(wire.InboxRecord{Sender: "a", Timestamp: 1})
	b.Append(wire.InboxRecord{Sender: "b", Timestamp: 2})

	assert.Equal(t, 2, b.Len())

	records := b.Drain()
	assert.Len(t, records, 2)
	assert.Equal(t, 0, b.Len())
}

func TestDrainIsPopAll(t *testing.T) {
	b := New(4)
	b.Append(wire.InboxRecord{Sender: "a"})
	_ = b.Drain()
	assert.Empty(t, b.Drain())
}

func TestAppendDropsOldestWhenFull(t *testing.T) {
	b := New(2)
	b.Append(wire.InboxRecord{Sender: "a"})
	b.Append(wire.InboxRecord{Sender: "b"})
	b.Append(wire.InboxRecord{Sender: "c"})

	records := b.Drain()
	assert.Len(t, records, 2)
	assert.Equal(t, "b", records[0].Sender)
	assert.Equal(t, "c", records[1].Sender)
}

func TestNewDefaultsCapacity(t *testing.T) {
	b := New(0)
	assert.Equal(t, defaultCapacity, b.capacity)
}
