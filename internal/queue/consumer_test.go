package queue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGroupConsumerReplaysThenGoesLive(t *testing.T) {
	q := New()
	q.EnsureGroup("s", "g", ID{})
	a := mustAppend(t, q, "s", "a")
	b := mustAppend(t, q, "s", "b")

	// A previous run took delivery of both entries and crashed before acking.
	if _, err := q.ReadGroup(context.Background(), "s", "g", "c1", Live(), 10, 0); err != nil {
		t.Fatal(err)
	}

	c := NewGroupConsumer(q, "s", "g", "c1", zap.NewNop(), WithBlock(0))
	entries, err := c.Next(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != a || entries[1].ID != b {
		t.Fatalf("unexpected replay: %+v", entries)
	}
	if c.State() != StateReplaying {
		t.Fatalf("state = %s, want replaying", c.State())
	}
	c.Ack(a, b)

	// Replay is drained; the consumer flips to live and sees new traffic.
	fresh := mustAppend(t, q, "s", "fresh")
	entries, err = c.Next(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateLive {
		t.Fatalf("state = %s, want live", c.State())
	}
	if len(entries) != 1 || entries[0].ID != fresh {
		t.Fatalf("unexpected live delivery: %+v", entries)
	}
}

func TestGroupConsumerSelfHealsFromPhantomPending(t *testing.T) {
	q := New()
	q.EnsureGroup("s", "g", ID{})
	mustAppend(t, q, "s", "a")
	mustAppend(t, q, "s", "b")

	// A previous run took delivery and crashed; retention then trimmed the
	// data, leaving pending entries that can never be redelivered.
	if _, err := q.ReadGroup(context.Background(), "s", "g", "c1", Live(), 10, 0); err != nil {
		t.Fatal(err)
	}
	q.Trim("s", ID{Ms: time.Now().UnixMilli() + 1000})
	if q.Len("s") != 0 || q.PendingCount("s", "g") != 2 {
		t.Fatalf("setup wrong: len=%d pending=%d", q.Len("s"), q.PendingCount("s", "g"))
	}

	c := NewGroupConsumer(q, "s", "g", "c1", zap.NewNop(),
		WithBlock(0), WithStuckThreshold(3))

	// Empty replay reads accumulate toward the stuck threshold.
	for i := 0; i < 2; i++ {
		entries, err := c.Next(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatalf("read %d returned entries: %+v", i, entries)
		}
		if c.State() != StateReplaying {
			t.Fatalf("read %d: state = %s, want replaying", i, c.State())
		}
	}

	// The threshold read triggers recovery, which discards the phantoms and
	// lands the consumer in live mode.
	entries, err := c.Next(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("recovery returned entries: %+v", entries)
	}
	if q.PendingCount("s", "g") != 0 {
		t.Fatalf("phantoms survived recovery: pending=%d", q.PendingCount("s", "g"))
	}
	if c.State() != StateLive {
		t.Fatalf("state = %s, want live after recovery", c.State())
	}

	fresh := mustAppend(t, q, "s", "fresh")
	entries, err = c.Next(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != fresh {
		t.Fatalf("consumer not live after self-heal: %+v", entries)
	}
}

func TestGroupConsumerRecoveryReclaimsClaimableEntries(t *testing.T) {
	q := New()
	q.EnsureGroup("s", "g", ID{})
	a := mustAppend(t, q, "s", "a")
	b := mustAppend(t, q, "s", "b")

	// Both entries pend for a dead sibling; a's data was trimmed, b's is
	// intact and should survive recovery.
	if _, err := q.ReadGroup(context.Background(), "s", "g", "dead", Live(), 10, 0); err != nil {
		t.Fatal(err)
	}
	q.Trim("s", b)

	c := NewGroupConsumer(q, "s", "g", "c1", zap.NewNop(),
		WithBlock(0), WithStuckThreshold(1))

	entries, err := c.Next(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != b {
		t.Fatalf("unexpected recovery yield: %+v", entries)
	}
	if q.PendingCount("s", "g") != 1 {
		t.Fatalf("pending = %d, want only the reclaimed entry", q.PendingCount("s", "g"))
	}
	if q.DeliveryCount("s", "g", a) != 0 {
		t.Fatal("phantom entry still tracked")
	}
}

func TestGroupConsumerHonorsContext(t *testing.T) {
	q := New()
	c := NewGroupConsumer(q, "s", "g", "c1", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Next(ctx, 1); err == nil {
		t.Fatal("expected context error")
	}
}
