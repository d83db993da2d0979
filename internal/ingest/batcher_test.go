package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *flushRecorder) flush(_ context.Context, batch []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]int, len(batch))
	copy(copied, batch)
	r.batches = append(r.batches, copied)
	return nil
}

func (r *flushRecorder) snapshot() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]int, len(r.batches))
	copy(out, r.batches)
	return out
}

func TestBatcherFlushesOnSize(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(3, time.Hour, rec.flush)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	for i := 1; i <= 7; i++ {
		if err := b.Add(context.Background(), i); err != nil {
			t.Fatal(err)
		}
	}
	b.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	batches := rec.snapshot()
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[1]) != 3 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batch sizes: %v", batches)
	}
	if batches[2][0] != 7 {
		t.Fatalf("close did not flush the tail: %v", batches[2])
	}
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(100, 10*time.Millisecond, rec.flush)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := b.Add(ctx, 1); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for len(rec.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never happened")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestBatcherStopsOnFlushError(t *testing.T) {
	boom := errors.New("boom")
	b := NewBatcher(1, time.Hour, func(context.Context, []int) error { return boom })

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	if err := b.Add(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("flush error did not stop the batcher")
	}
}
