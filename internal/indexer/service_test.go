package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/indexer/plugins"
	"github.com/blacksky-algorithms/rsky-sub000/internal/metrics"
	"github.com/blacksky-algorithms/rsky-sub000/internal/storage"
)

type stubResolver struct {
	resolve func(ctx context.Context, did string) (string, error)
	calls   int
}

func (r *stubResolver) ResolveHandle(ctx context.Context, did string) (string, error) {
	r.calls++
	if r.resolve == nil {
		return "", errors.New("no resolver")
	}
	return r.resolve(ctx, did)
}

func newTestService(t *testing.T) (*IndexingService, *storage.Store, *stubResolver) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	resolver := &stubResolver{
		resolve: func(context.Context, string) (string, error) { return "user.example", nil },
	}
	svc := NewIndexingService(store, plugins.Default(), resolver, metrics.New(prometheus.NewRegistry()), zap.NewNop())
	return svc, store, resolver
}

func postEvent(kind domain.EventKind, seq int64, rev string) domain.Event {
	return domain.Event{
		Kind:       kind,
		Seq:        seq,
		Time:       "2026-08-01T12:00:00Z",
		DID:        "did:plc:alice",
		Commit:     "commit-" + rev,
		Rev:        rev,
		Collection: "app.bsky.feed.post",
		RKey:       "3kpost",
		CID:        "cid-" + rev,
		Record:     json.RawMessage(`{"text":"rev ` + rev + `","createdAt":"2026-08-01T10:00:00Z"}`),
	}
}

func TestIndexRecordIsIdempotentUnderReplay(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	ev := postEvent(domain.EventCreate, 10, "3")

	for i := 0; i < 3; i++ {
		if err := svc.IndexRecord(ctx, ev); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	rec, ok, err := store.GetRecord(ctx, ev.URI())
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if rec.Rev != "3" {
		t.Fatalf("rev = %q, want 3", rec.Rev)
	}
}

func TestStaleRevisionDoesNotOverwrite(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.IndexRecord(ctx, postEvent(domain.EventCreate, 10, "5")); err != nil {
		t.Fatal(err)
	}
	if err := svc.IndexRecord(ctx, postEvent(domain.EventUpdate, 8, "3")); err != nil {
		t.Fatal(err)
	}
	rec, _, err := store.GetRecord(ctx, postEvent(domain.EventCreate, 0, "5").URI())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Rev != "5" || rec.CID != "cid-5" {
		t.Fatalf("stale update overwrote row: %+v", rec)
	}
}

func TestStaleWritesAreCounted(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	m := metrics.New(prometheus.NewRegistry())
	svc := NewIndexingService(store, plugins.Default(), &stubResolver{}, m, zap.NewNop())
	ctx := context.Background()

	if err := svc.IndexRecord(ctx, postEvent(domain.EventCreate, 10, "5")); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.StaleWrites); got != 0 {
		t.Fatalf("stale writes after fresh insert = %v, want 0", got)
	}
	if err := svc.IndexRecord(ctx, postEvent(domain.EventUpdate, 8, "3")); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.StaleWrites); got != 1 {
		t.Fatalf("stale writes after stale update = %v, want 1", got)
	}
}

func TestLiveWinsRevisionTieAgainstBackfill(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	backfilled := postEvent(domain.EventCreate, domain.SeqBackfill, "5")
	if err := svc.IndexRecord(ctx, backfilled); err != nil {
		t.Fatal(err)
	}
	live := postEvent(domain.EventCreate, 42, "5")
	if err := svc.IndexRecord(ctx, live); err != nil {
		t.Fatal(err)
	}

	rec, _, err := store.GetRecord(ctx, live.URI())
	if err != nil {
		t.Fatal(err)
	}
	if rec.ViaBackfill {
		t.Fatal("live write at equal revision did not replace backfilled row")
	}

	// The reverse never wins.
	if err := svc.IndexRecord(ctx, backfilled); err != nil {
		t.Fatal(err)
	}
	rec, _, _ = store.GetRecord(ctx, live.URI())
	if rec.ViaBackfill {
		t.Fatal("backfill write replaced a live row at equal revision")
	}
}

func TestDeleteTombstonesAndBlocksReplay(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	create := postEvent(domain.EventCreate, 10, "3")
	if err := svc.IndexRecord(ctx, create); err != nil {
		t.Fatal(err)
	}
	del := postEvent(domain.EventDelete, 11, "4")
	del.Record = nil
	if err := svc.DeleteRecord(ctx, del); err != nil {
		t.Fatal(err)
	}

	// Typed row gone, tombstone present.
	rec, ok, err := store.GetRecord(ctx, create.URI())
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if !rec.Tombstoned {
		t.Fatal("record not tombstoned after delete")
	}

	// A replayed create at the pre-delete revision must not resurrect.
	if err := svc.IndexRecord(ctx, create); err != nil {
		t.Fatal(err)
	}
	rec, _, _ = store.GetRecord(ctx, create.URI())
	if !rec.Tombstoned {
		t.Fatal("replayed create resurrected a deleted record")
	}
}

func TestBackfillSkipsCommitWatermark(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	live := domain.Event{Kind: domain.EventRepo, Seq: 42, DID: "did:plc:alice", Commit: "c5", Rev: "5"}
	if err := svc.HandleRepo(ctx, live); err != nil {
		t.Fatal(err)
	}
	backfill := domain.Event{Kind: domain.EventRepo, Seq: domain.SeqBackfill, DID: "did:plc:alice", Commit: "c9", Rev: "9"}
	if err := svc.HandleRepo(ctx, backfill); err != nil {
		t.Fatal(err)
	}

	commit, rev, ok, err := store.GetCommitLastSeen(ctx, "did:plc:alice")
	if err != nil || !ok {
		t.Fatalf("get watermark: ok=%v err=%v", ok, err)
	}
	if commit != "c5" || rev != "5" {
		t.Fatalf("backfill moved the commit watermark: %s %s", commit, rev)
	}
}

func TestHandleAccountStatuses(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.IndexRecord(ctx, postEvent(domain.EventCreate, 10, "3")); err != nil {
		t.Fatal(err)
	}

	suspend := domain.Event{Kind: domain.EventAccount, Seq: 11, DID: "did:plc:alice", Active: false, Status: "Suspended"}
	if err := svc.HandleAccount(ctx, suspend); err != nil {
		t.Fatal(err)
	}
	actor, ok, err := store.GetActor(ctx, "did:plc:alice")
	if err != nil || !ok {
		t.Fatalf("get actor: ok=%v err=%v", ok, err)
	}
	if actor.UpstreamStatus != "suspended" {
		t.Fatalf("status = %q, want suspended", actor.UpstreamStatus)
	}

	reactivate := domain.Event{Kind: domain.EventAccount, Seq: 12, DID: "did:plc:alice", Active: true}
	if err := svc.HandleAccount(ctx, reactivate); err != nil {
		t.Fatal(err)
	}
	actor, _, _ = store.GetActor(ctx, "did:plc:alice")
	if actor.UpstreamStatus != "" {
		t.Fatalf("status after reactivation = %q, want empty", actor.UpstreamStatus)
	}

	deleted := domain.Event{Kind: domain.EventAccount, Seq: 13, DID: "did:plc:alice", Active: false, Status: "deleted"}
	if err := svc.HandleAccount(ctx, deleted); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.GetActor(ctx, "did:plc:alice"); ok {
		t.Fatal("actor survived account deletion")
	}
	if _, ok, _ := store.GetRecord(ctx, postEvent(domain.EventCreate, 0, "3").URI()); ok {
		t.Fatal("records survived account deletion")
	}
}

func TestIndexHandleTiming(t *testing.T) {
	svc, store, resolver := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	if err := svc.IndexHandle(ctx, "did:plc:alice", "", false); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 1 {
		t.Fatalf("unknown actor should resolve: calls = %d", resolver.calls)
	}

	// A fresh handle is trusted; no second resolution inside a day.
	now = now.Add(time.Hour)
	if err := svc.IndexHandle(ctx, "did:plc:alice", "", false); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 1 {
		t.Fatalf("fresh handle re-resolved: calls = %d", resolver.calls)
	}

	// Past a day it goes stale.
	now = now.Add(25 * time.Hour)
	if err := svc.IndexHandle(ctx, "did:plc:alice", "", false); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 2 {
		t.Fatalf("stale handle not re-resolved: calls = %d", resolver.calls)
	}

	// Failed resolutions retry on the shorter interval.
	resolver.resolve = func(context.Context, string) (string, error) { return "", errors.New("plc down") }
	if err := svc.IndexHandle(ctx, "did:plc:bob", "", false); err != nil {
		t.Fatal(err)
	}
	calls := resolver.calls
	now = now.Add(30 * time.Minute)
	if err := svc.IndexHandle(ctx, "did:plc:bob", "", false); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != calls {
		t.Fatal("failed resolution retried before the hour")
	}
	now = now.Add(31 * time.Minute)
	if err := svc.IndexHandle(ctx, "did:plc:bob", "", false); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != calls+1 {
		t.Fatal("failed resolution not retried after the hour")
	}

	_ = store
}

func TestIdentityEventForcesResolutionAndMovesHandle(t *testing.T) {
	svc, store, resolver := newTestService(t)
	ctx := context.Background()

	resolver.resolve = func(_ context.Context, did string) (string, error) {
		if did == "did:plc:new" {
			return "alice.example", nil
		}
		return "old.example", nil
	}
	if err := svc.HandleIdentity(ctx, domain.Event{Kind: domain.EventIdentity, DID: "did:plc:old", Handle: "alice.example"}); err != nil {
		t.Fatal(err)
	}
	// The resolver said did:plc:old is now old.example, but alice.example
	// was stored for nobody yet; now it moves to did:plc:new.
	if err := svc.HandleIdentity(ctx, domain.Event{Kind: domain.EventIdentity, DID: "did:plc:new", Handle: "alice.example"}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.GetActor(ctx, "did:plc:new")
	if err != nil || !ok {
		t.Fatalf("get actor: ok=%v err=%v", ok, err)
	}
	if got.Handle != "alice.example" {
		t.Fatalf("handle = %q, want alice.example", got.Handle)
	}
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Apply(context.Background(), domain.Event{Kind: "bogus"})
	if !errors.Is(err, plugins.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}
