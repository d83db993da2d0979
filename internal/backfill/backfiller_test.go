package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/metrics"
	"github.com/blacksky-algorithms/rsky-sub000/internal/queue"
)

type stubFetcher struct {
	mu    sync.Mutex
	fetch func(item domain.BacklogItem) (Snapshot, error)
	calls map[string]int
}

func (f *stubFetcher) Fetch(_ context.Context, item domain.BacklogItem) (Snapshot, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[item.DID]++
	f.mu.Unlock()
	return f.fetch(item)
}

func (f *stubFetcher) count(did string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[did]
}

func enqueueRepo(t *testing.T, q *queue.Queue, did string) {
	t.Helper()
	fields, err := domain.EncodeBacklogItem(domain.BacklogItem{DID: did, Host: "https://pds.example", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Append(domain.StreamRepoBacklog, fields); err != nil {
		t.Fatal(err)
	}
}

func drainBackfillEvents(t *testing.T, q *queue.Queue) []domain.Event {
	t.Helper()
	q.EnsureGroup(domain.StreamFirehoseBackfill, "test", queue.ID{})
	entries, err := q.ReadGroup(context.Background(), domain.StreamFirehoseBackfill, "test", "c1", queue.Live(), 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	events := make([]domain.Event, len(entries))
	for i, entry := range entries {
		ev, err := domain.DecodeEvent(entry.Fields)
		if err != nil {
			t.Fatal(err)
		}
		events[i] = ev
	}
	return events
}

func snapshotWith(did string, n int) Snapshot {
	s := Snapshot{DID: did, Commit: "bafycommit", Rev: "3k9"}
	for i := 0; i < n; i++ {
		s.Records = append(s.Records, SnapshotRecord{
			Collection: "app.bsky.feed.post",
			RKey:       fmt.Sprintf("3k%03d", i),
			CID:        fmt.Sprintf("bafy%03d", i),
			Record:     json.RawMessage(`{"text":"x"}`),
		})
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func runBackfiller(t *testing.T, q *queue.Queue, fetcher RepoFetcher, opts Options) (cancel func()) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	b := New(q, fetcher, m, zap.NewNop(), opts)
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return func() {
		stop()
		if err := <-done; err != nil {
			t.Fatalf("backfiller run: %v", err)
		}
	}
}

func TestBackfillerDecomposesRepoInChunks(t *testing.T) {
	q := queue.New()
	enqueueRepo(t, q, "did:plc:alice")
	fetcher := &stubFetcher{fetch: func(item domain.BacklogItem) (Snapshot, error) {
		return snapshotWith(item.DID, 5), nil
	}}

	stop := runBackfiller(t, q, fetcher, Options{ChunkSize: 2, Block: 10 * time.Millisecond})
	waitFor(t, 2*time.Second, func() bool { return q.Len(domain.StreamRepoBacklog) == 0 })
	stop()

	events := drainBackfillEvents(t, q)
	var creates, repoEvents int
	for _, ev := range events {
		if !ev.FromBackfill() {
			t.Fatalf("event not marked backfill: %+v", ev)
		}
		switch ev.Kind {
		case domain.EventCreate:
			creates++
		case domain.EventRepo:
			repoEvents++
			if ev.Rev != "3k9" || ev.Commit != "bafycommit" {
				t.Fatalf("repo event missing snapshot watermark: %+v", ev)
			}
		default:
			t.Fatalf("unexpected event kind %q", ev.Kind)
		}
	}
	if creates != 5 {
		t.Fatalf("creates = %d, want 5", creates)
	}
	// Two full chunks plus the trailing repo event.
	if repoEvents != 3 {
		t.Fatalf("repo events = %d, want 3", repoEvents)
	}
}

func TestFailingRepoIsDeadLetteredAndBacklogMoveOn(t *testing.T) {
	q := queue.New()
	enqueueRepo(t, q, "did:plc:poison")
	enqueueRepo(t, q, "did:plc:healthy")

	fetcher := &stubFetcher{fetch: func(item domain.BacklogItem) (Snapshot, error) {
		if item.DID == "did:plc:poison" {
			return Snapshot{}, errors.New("car file truncated")
		}
		return snapshotWith(item.DID, 1), nil
	}}

	stop := runBackfiller(t, q, fetcher, Options{
		Concurrency:    2,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Block:          10 * time.Millisecond,
	})
	waitFor(t, 3*time.Second, func() bool {
		return q.Len(domain.StreamRepoBacklog) == 0 && q.Len(domain.StreamRepoDeadLetter) == 1
	})
	stop()

	if got := fetcher.count("did:plc:poison"); got != 3 {
		t.Fatalf("poison repo fetched %d times, want 3", got)
	}
	if got := fetcher.count("did:plc:healthy"); got != 1 {
		t.Fatalf("healthy repo fetched %d times, want 1", got)
	}

	// The healthy repo's events made it out despite the poison one.
	events := drainBackfillEvents(t, q)
	if len(events) != 2 {
		t.Fatalf("got %d backfill events, want 2 (create + repo)", len(events))
	}

	// The dead letter entry names the repo and the cause.
	q.EnsureGroup(domain.StreamRepoDeadLetter, "test", queue.ID{})
	entries, err := q.ReadGroup(context.Background(), domain.StreamRepoDeadLetter, "test", "c1", queue.Live(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letter entries = %d, want 1", len(entries))
	}
	fields := entries[0].Fields
	if fields["repo"] != "did:plc:poison" || fields["attempts"] != "3" || fields["reason"] == "" {
		t.Fatalf("unexpected dead letter fields: %v", fields)
	}
}

func TestFullBackfillStreamPausesClaiming(t *testing.T) {
	q := queue.New()
	q.SetHighWaterMark(domain.StreamFirehoseBackfill, 2)
	var lastID queue.ID
	for i := 0; i < 2; i++ {
		id, err := q.Append(domain.StreamFirehoseBackfill, map[string]string{"filler": "x"})
		if err != nil {
			t.Fatal(err)
		}
		lastID = id
	}
	enqueueRepo(t, q, "did:plc:alice")

	fetcher := &stubFetcher{fetch: func(item domain.BacklogItem) (Snapshot, error) {
		return snapshotWith(item.DID, 1), nil
	}}
	stop := runBackfiller(t, q, fetcher, Options{
		Block:      10 * time.Millisecond,
		AppendPoll: 5 * time.Millisecond,
	})

	// With the stream at its mark the backlog entry must stay unclaimed, not
	// sit pending on a worker stuck inside an append.
	time.Sleep(100 * time.Millisecond)
	if got := fetcher.count("did:plc:alice"); got != 0 {
		t.Fatalf("repo fetched %d times while stream was full, want 0", got)
	}
	if got := q.PendingCount(domain.StreamRepoBacklog, "backfill"); got != 0 {
		t.Fatalf("backlog pending = %d while stream was full, want 0", got)
	}

	q.Trim(domain.StreamFirehoseBackfill, queue.ID{Ms: lastID.Ms, Seq: lastID.Seq + 1})
	waitFor(t, 2*time.Second, func() bool { return q.Len(domain.StreamRepoBacklog) == 0 })
	stop()

	if got := fetcher.count("did:plc:alice"); got != 1 {
		t.Fatalf("repo fetched %d times after stream drained, want 1", got)
	}
}

func TestGoneRepoIsSkippedWithoutRetry(t *testing.T) {
	q := queue.New()
	enqueueRepo(t, q, "did:plc:gone")
	fetcher := &stubFetcher{fetch: func(domain.BacklogItem) (Snapshot, error) {
		return Snapshot{}, fmt.Errorf("%w: takendown", ErrRepoGone)
	}}

	stop := runBackfiller(t, q, fetcher, Options{Block: 10 * time.Millisecond})
	waitFor(t, 2*time.Second, func() bool { return q.Len(domain.StreamRepoBacklog) == 0 })
	stop()

	if got := fetcher.count("did:plc:gone"); got != 1 {
		t.Fatalf("gone repo fetched %d times, want 1", got)
	}
	if q.Len(domain.StreamRepoDeadLetter) != 0 {
		t.Fatal("gone repo was dead lettered instead of skipped")
	}
	if q.Len(domain.StreamFirehoseBackfill) != 0 {
		t.Fatal("gone repo emitted events")
	}
}
