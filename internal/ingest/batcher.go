package ingest

import (
	"context"
	"time"
)

// Batcher groups items and hands them to a flush function whenever the batch
// fills or the flush interval elapses, whichever comes first.
type Batcher[T any] struct {
	size     int
	interval time.Duration
	flush    func(ctx context.Context, batch []T) error
	in       chan T
}

func NewBatcher[T any](size int, interval time.Duration, flush func(ctx context.Context, batch []T) error) *Batcher[T] {
	if size <= 0 {
		size = 1
	}
	return &Batcher[T]{
		size:     size,
		interval: interval,
		flush:    flush,
		in:       make(chan T),
	}
}

// Add submits one item. It blocks while the batcher is flushing a full
// batch.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	select {
	case b.in <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no more items are coming. Run flushes what it holds and
// returns.
func (b *Batcher[T]) Close() {
	close(b.in)
}

// Run accumulates and flushes until Close or ctx cancellation. A flush error
// stops the loop and is returned.
func (b *Batcher[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	batch := make([]T, 0, b.size)
	doFlush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := b.flush(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case item, ok := <-b.in:
			if !ok {
				return doFlush()
			}
			batch = append(batch, item)
			if len(batch) >= b.size {
				if err := doFlush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := doFlush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
