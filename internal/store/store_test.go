package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAppendAndRead(t *testing.T) {
	m := NewMemory(2)
	m.Append(MemoryEntry{Timestamp: 1, Content: json.RawMessage(`{"a":1}`)})
	m.Append(MemoryEntry{Timestamp: 2, Content: json.RawMessage(`{"a":2}`)})

	entries := m.Read()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Timestamp)
}

func TestMemoryDropsOldestWhenFull(t *testing.T) {
	m := NewMemory(2)
	m.Append(MemoryEntry{Timestamp: 1})
	m.Append(MemoryEntry{Timestamp: 2})
	m.Append(MemoryEntry{Timestamp: 3})

	entries := m.Read()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Timestamp)
	assert.Equal(t, int64(3), entries[1].Timestamp)
}

func TestBlobsPutGetList(t *testing.T) {
	b := NewBlobs()
	b.Put("notes.txt", []byte("hello"))
	b.Put("data.json", []byte("{}"))

	data, err := b.Get("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.ElementsMatch(t, []string{"notes.txt", "data.json"}, b.List())
}

func TestBlobsGetMissingFileErrors(t *testing.T) {
	b := NewBlobs()
	_, err := b.Get("missing.txt")
	assert.Error(t, err)
}
