package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blacksky-algorithms/rsky-sub000/internal/backfill"
	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
)

func TestResolveHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/did:plc:abc" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"alsoKnownAs": []string{"at://alice.example"},
		})
	}))
	defer srv.Close()

	c := NewClient("https://pds.example", WithDirectory(srv.URL))
	handle, err := c.ResolveHandle(context.Background(), "did:plc:abc")
	if err != nil {
		t.Fatal(err)
	}
	if handle != "alice.example" {
		t.Fatalf("handle = %q, want alice.example", handle)
	}

	if _, err := c.ResolveHandle(context.Background(), "did:plc:missing"); err == nil {
		t.Fatal("expected error for unknown did")
	}
}

func TestResolveHandleNoAlias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"alsoKnownAs": []string{}})
	}))
	defer srv.Close()

	c := NewClient("https://pds.example", WithDirectory(srv.URL))
	handle, err := c.ResolveHandle(context.Background(), "did:plc:anon")
	if err != nil {
		t.Fatal(err)
	}
	if handle != "" {
		t.Fatalf("handle = %q, want empty", handle)
	}
}

func TestListReposPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.sync.listRepos" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("cursor") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"cursor": "page2",
				"repos": []map[string]any{
					{"did": "did:plc:a", "rev": "3k1", "active": true},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"repos": []map[string]any{
				{"did": "did:plc:b", "rev": "3k2", "active": false, "status": "takendown"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	first, next, err := c.List(context.Background(), "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].DID != "did:plc:a" || !first[0].Active {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first[0].Host != srv.URL {
		t.Fatalf("host = %q, want %q", first[0].Host, srv.URL)
	}
	if next != "page2" {
		t.Fatalf("next = %q, want page2", next)
	}
	second, next, err := c.List(context.Background(), next, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].Status != "takendown" || next != "" {
		t.Fatalf("unexpected second page: %+v next=%q", second, next)
	}
}

func repoServer(t *testing.T, active bool, status string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.sync.getRepoStatus":
			json.NewEncoder(w).Encode(map[string]any{
				"did": r.URL.Query().Get("did"), "active": active, "status": status, "rev": "3k9",
			})
		case "/xrpc/com.atproto.repo.describeRepo":
			json.NewEncoder(w).Encode(map[string]any{
				"collections": []string{"app.bsky.feed.post"},
			})
		case "/xrpc/com.atproto.repo.listRecords":
			if r.URL.Query().Get("cursor") == "" {
				json.NewEncoder(w).Encode(map[string]any{
					"cursor": "more",
					"records": []map[string]any{
						{"uri": "at://did:plc:a/app.bsky.feed.post/3kaa", "cid": "bafy1", "value": map[string]any{"text": "one"}},
					},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"records": []map[string]any{
					{"uri": "at://did:plc:a/app.bsky.feed.post/3kbb", "cid": "bafy2", "value": map[string]any{"text": "two"}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchWalksCollections(t *testing.T) {
	srv := repoServer(t, true, "")
	defer srv.Close()

	c := NewClient(srv.URL)
	snapshot, err := c.Fetch(context.Background(), domain.BacklogItem{DID: "did:plc:a", Host: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.Rev != "3k9" {
		t.Fatalf("rev = %q, want 3k9", snapshot.Rev)
	}
	if len(snapshot.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(snapshot.Records))
	}
	if snapshot.Records[0].RKey != "3kaa" || snapshot.Records[1].RKey != "3kbb" {
		t.Fatalf("unexpected rkeys: %+v", snapshot.Records)
	}
	if snapshot.Records[0].Collection != "app.bsky.feed.post" {
		t.Fatalf("unexpected collection: %q", snapshot.Records[0].Collection)
	}
}

func TestFetchInactiveRepoIsGone(t *testing.T) {
	srv := repoServer(t, false, "takendown")
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Fetch(context.Background(), domain.BacklogItem{DID: "did:plc:a", Host: srv.URL})
	if !errors.Is(err, backfill.ErrRepoGone) {
		t.Fatalf("expected gone error, got %v", err)
	}
}

func TestFetchUnknownRepoIsGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Fetch(context.Background(), domain.BacklogItem{DID: "did:plc:nobody", Host: srv.URL})
	if !errors.Is(err, backfill.ErrRepoGone) {
		t.Fatalf("expected gone error, got %v", err)
	}
}
