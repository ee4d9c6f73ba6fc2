// internal/session/buffer.go
package session

import (
	"sync"

	"picoammeter-service/internal/model"
)

// Buffer is a preallocated, fixed-capacity sample store. The filled region
// is always the prefix [0, Len()); every other slot holds the unfilled
// sentinel.
type Buffer struct {
	mutex   sync.RWMutex
	samples []model.Sample
	length  int
}

// NewBuffer allocates a buffer with all slots unfilled
func NewBuffer(capacity int) *Buffer {
	b := &Buffer{samples: make([]model.Sample, capacity)}
	b.fill(0)
	return b
}

// Append writes the sample at the next index and returns that index.
// A full buffer is left untouched and ErrBufferFull is returned.
func (b *Buffer) Append(s model.Sample) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.length == len(b.samples) {
		return 0, model.ErrBufferFull
	}

	index := b.length
	b.samples[index] = s
	b.length++
	return index, nil
}

// Clear resets every slot to the sentinel and the length to zero
func (b *Buffer) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.fill(0)
	b.length = 0
}

func (b *Buffer) fill(from int) {
	for i := from; i < len(b.samples); i++ {
		b.samples[i] = model.UnfilledSample()
	}
}

// Len returns the number of filled slots
func (b *Buffer) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.length
}

// Cap returns the fixed capacity
func (b *Buffer) Cap() int {
	return len(b.samples)
}

// Samples returns a copy of the filled prefix
func (b *Buffer) Samples() []model.Sample {
	return b.Snapshot(0)
}

// Snapshot returns a copy of the samples at index from and later. An index
// past the end yields an empty slice.
func (b *Buffer) Snapshot(from int) []model.Sample {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if from < 0 {
		from = 0
	}
	if from >= b.length {
		return []model.Sample{}
	}

	out := make([]model.Sample, b.length-from)
	copy(out, b.samples[from:b.length])
	return out
}

// slot returns the slot at index i, filled or not
func (b *Buffer) slot(i int) (model.Sample, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if i < 0 || i >= len(b.samples) {
		return model.Sample{}, false
	}
	return b.samples[i], true
}
