package domain

import (
	"encoding/json"
	"testing"
)

func TestEventRoundTripThroughQueueFields(t *testing.T) {
	ev := Event{
		Kind:       EventCreate,
		Seq:        4521,
		Time:       "2026-08-01T12:00:00Z",
		DID:        "did:plc:abc123",
		Commit:     "bafyreicommit",
		Rev:        "3kx7",
		Collection: "app.bsky.feed.post",
		RKey:       "3kpostkey",
		CID:        "bafyreirecord",
		Record:     json.RawMessage(`{"text":"hi"}`),
	}
	fields, err := EncodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeEvent(fields)
	if err != nil {
		t.Fatal(err)
	}
	if got.URI() != "at://did:plc:abc123/app.bsky.feed.post/3kpostkey" {
		t.Fatalf("unexpected uri: %s", got.URI())
	}
	if got.Kind != EventCreate || got.Seq != 4521 || got.Rev != "3kx7" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestDecodeEventRejectsMissingField(t *testing.T) {
	if _, err := DecodeEvent(map[string]string{"other": "x"}); err == nil {
		t.Fatal("expected error for missing event field")
	}
	if _, err := DecodeEvent(map[string]string{"event": "{not json"}); err == nil {
		t.Fatal("expected error for malformed event json")
	}
}

func TestBackfillSentinel(t *testing.T) {
	ev := Event{Kind: EventRepo, Seq: SeqBackfill}
	if !ev.FromBackfill() {
		t.Fatal("sentinel seq must mark event as backfill-sourced")
	}
	if (Event{Kind: EventRepo, Seq: 1}).FromBackfill() {
		t.Fatal("live seq must not mark event as backfill-sourced")
	}
}

func TestSplitURI(t *testing.T) {
	did, coll, rkey, err := SplitURI("at://did:plc:xyz/app.bsky.feed.like/3klike")
	if err != nil {
		t.Fatal(err)
	}
	if did != "did:plc:xyz" || coll != "app.bsky.feed.like" || rkey != "3klike" {
		t.Fatalf("unexpected parts: %s %s %s", did, coll, rkey)
	}

	for _, bad := range []string{"", "at://", "at://did:plc:xyz", "at://did:plc:xyz/coll", "https://did/coll/rkey", "at://did//rkey"} {
		if _, _, _, err := SplitURI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBacklogItemRoundTrip(t *testing.T) {
	item := BacklogItem{DID: "did:plc:abc", Host: "https://pds.example", Rev: "3k", Active: true}
	fields, err := EncodeBacklogItem(item)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBacklogItem(fields)
	if err != nil {
		t.Fatal(err)
	}
	if got != item {
		t.Fatalf("round trip mismatch: %+v != %+v", got, item)
	}
}
