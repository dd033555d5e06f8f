package batch

import (
	"context"
	"sync"
	"time"
)

// Processor handles one flushed batch of items.
type Processor[T any] interface {
	ProcessBatch(ctx context.Context, items []T) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, items []T) error

func (f ProcessorFunc[T]) ProcessBatch(ctx context.Context, items []T) error { return f(ctx, items) }

// Batcher collects items and hands them to a Processor when the batch is
// full or the interval elapses, whichever comes first.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor[T]
	onError       func(error)

	mu      sync.Mutex
	pending []T
	stopped bool

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
}

// NewBatcher starts a batcher. onError may be nil.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, processor Processor[T], onError func(error)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		onError:       onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an item. It returns false once the batcher is stopped.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush processes everything pending right now.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := make([]T, len(b.pending))
	copy(items, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, items)
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushAndReport()
		case <-b.flushChan:
			b.flushAndReport()
		case <-b.stopChan:
			b.flushAndReport()
			return
		}
	}
}

func (b *Batcher[T]) flushAndReport() {
	if err := b.Flush(context.Background()); err != nil && b.onError != nil {
		b.onError(err)
	}
}

// Stop rejects further items, flushes what is pending and waits for the
// final batch to be processed. Safe to call more than once.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopChan)
	<-b.done
}

func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
