package message

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"docflow/internal/document"
)

// DefaultBufferCapacity bounds a Buffer when no capacity is configured.
const DefaultBufferCapacity = 100000

// Buffer holds delivered documents until a consumer fetches them. When full
// it drops the oldest item. A callback installed with On bypasses buffering.
type Buffer struct {
	mu       sync.Mutex
	items    []document.Document
	capacity int
	dropped  int
	// wake is closed and replaced on every Put so all waiting fetchers see it.
	wake     chan struct{}
	callback func(document.Document)
	logger   *slog.Logger
}

// NewBuffer returns a buffer bounded to capacity items; capacity <= 0 uses
// DefaultBufferCapacity.
func NewBuffer(capacity int, logger *slog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		capacity: capacity,
		wake:     make(chan struct{}),
		logger:   logger,
	}
}

// Put appends doc, or hands it to the callback when one is installed.
func (b *Buffer) Put(doc document.Document) {
	b.mu.Lock()
	if cb := b.callback; cb != nil {
		b.mu.Unlock()
		cb(doc)
		return
	}
	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		b.dropped++
		if b.dropped == 1 || b.dropped%1000 == 0 {
			b.logger.Warn("delivery buffer full, dropping oldest", "capacity", b.capacity, "dropped", b.dropped)
		}
	}
	b.items = append(b.items, doc)
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
}

// Fetch waits up to timeout and returns between 0 and max buffered documents.
// It returns as soon as max documents are available, and never later than
// the timeout or ctx cancellation.
func (b *Buffer) Fetch(ctx context.Context, timeout time.Duration, max int) []document.Document {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []document.Document
	for {
		b.mu.Lock()
		n := min(max-len(out), len(b.items))
		if n > 0 {
			out = append(out, b.items[:n]...)
			b.items = b.items[n:]
		}
		wake := b.wake
		b.mu.Unlock()

		if len(out) >= max {
			return out
		}
		select {
		case <-wake:
		case <-timer.C:
			return b.drainInto(out, max)
		case <-ctx.Done():
			return out
		}
	}
}

func (b *Buffer) drainInto(out []document.Document, max int) []document.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(max-len(out), len(b.items))
	if n > 0 {
		out = append(out, b.items[:n]...)
		b.items = b.items[n:]
	}
	return out
}

// On routes every future Put to fn instead of the buffer.
func (b *Buffer) On(fn func(document.Document)) {
	b.mu.Lock()
	b.callback = fn
	b.mu.Unlock()
}

// Off restores buffering.
func (b *Buffer) Off() {
	b.On(nil)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped counts items discarded because the buffer was full.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
