package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blacksky-algorithms/rsky-sub000/internal/backfill"
	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
)

const (
	DefaultDirectoryURL = "https://plc.directory"
	defaultTimeout      = 30 * time.Second
	listRecordsPageSize = 100
)

// Client talks to a personal data server and the DID directory over their
// JSON endpoints. It backs the resolver, lister and fetcher seams of the
// pipeline.
type Client struct {
	host      string
	directory string
	http      *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithDirectory(u string) Option {
	return func(c *Client) { c.directory = strings.TrimRight(u, "/") }
}

// NewClient builds a client for one host, such as a relay or PDS base URL.
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:      strings.TrimRight(host, "/"),
		directory: DefaultDirectoryURL,
		http:      &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type didDocument struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

// ResolveHandle looks the DID up in the directory and returns its declared
// handle without the at:// prefix. A DID with no handle alias resolves to
// the empty string.
func (c *Client) ResolveHandle(ctx context.Context, did string) (string, error) {
	var doc didDocument
	if err := c.getJSON(ctx, c.directory+"/"+url.PathEscape(did), &doc); err != nil {
		return "", fmt.Errorf("resolve %s: %w", did, err)
	}
	for _, alias := range doc.AlsoKnownAs {
		if h, ok := strings.CutPrefix(alias, "at://"); ok {
			return h, nil
		}
	}
	return "", nil
}

type listReposResponse struct {
	Cursor string `json:"cursor"`
	Repos  []struct {
		DID    string `json:"did"`
		Head   string `json:"head"`
		Rev    string `json:"rev"`
		Active bool   `json:"active"`
		Status string `json:"status"`
	} `json:"repos"`
}

// List pages through com.atproto.sync.listRepos on the host.
func (c *Client) List(ctx context.Context, cursor string, limit int) ([]domain.BacklogItem, string, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp listReposResponse
	if err := c.getJSON(ctx, c.xrpc("com.atproto.sync.listRepos", q), &resp); err != nil {
		return nil, "", err
	}
	items := make([]domain.BacklogItem, 0, len(resp.Repos))
	for _, r := range resp.Repos {
		items = append(items, domain.BacklogItem{
			DID:    r.DID,
			Host:   c.host,
			Rev:    r.Rev,
			Status: r.Status,
			Active: r.Active,
		})
	}
	return items, resp.Cursor, nil
}

type describeRepoResponse struct {
	Collections []string `json:"collections"`
}

type listRecordsResponse struct {
	Cursor  string `json:"cursor"`
	Records []struct {
		URI   string          `json:"uri"`
		CID   string          `json:"cid"`
		Value json.RawMessage `json:"value"`
	} `json:"records"`
}

type repoStatusResponse struct {
	DID    string `json:"did"`
	Active bool   `json:"active"`
	Status string `json:"status"`
	Rev    string `json:"rev"`
}

// Fetch snapshots a repository record by record through the repo JSON
// endpoints. The snapshot revision is taken before listing so an older
// revision can only understate the snapshot, which the revision guard
// downstream tolerates.
func (c *Client) Fetch(ctx context.Context, item domain.BacklogItem) (backfill.Snapshot, error) {
	status, err := c.repoStatus(ctx, item.DID)
	if err != nil {
		return backfill.Snapshot{}, err
	}
	if !status.Active {
		reason := status.Status
		if reason == "" {
			reason = "inactive"
		}
		return backfill.Snapshot{}, fmt.Errorf("%w: %s", backfill.ErrRepoGone, reason)
	}

	var desc describeRepoResponse
	q := url.Values{"repo": {item.DID}}
	if err := c.getJSON(ctx, c.xrpc("com.atproto.repo.describeRepo", q), &desc); err != nil {
		return backfill.Snapshot{}, err
	}

	snapshot := backfill.Snapshot{DID: item.DID, Rev: status.Rev}
	for _, collection := range desc.Collections {
		records, err := c.listRecords(ctx, item.DID, collection)
		if err != nil {
			return backfill.Snapshot{}, err
		}
		snapshot.Records = append(snapshot.Records, records...)
	}
	return snapshot, nil
}

func (c *Client) repoStatus(ctx context.Context, did string) (repoStatusResponse, error) {
	var status repoStatusResponse
	q := url.Values{"did": {did}}
	err := c.getJSON(ctx, c.xrpc("com.atproto.sync.getRepoStatus", q), &status)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
			return repoStatusResponse{}, fmt.Errorf("%w: unknown to host", backfill.ErrRepoGone)
		}
		return repoStatusResponse{}, err
	}
	return status, nil
}

func (c *Client) listRecords(ctx context.Context, did, collection string) ([]backfill.SnapshotRecord, error) {
	var out []backfill.SnapshotRecord
	cursor := ""
	for {
		q := url.Values{
			"repo":       {did},
			"collection": {collection},
			"limit":      {strconv.Itoa(listRecordsPageSize)},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp listRecordsResponse
		if err := c.getJSON(ctx, c.xrpc("com.atproto.repo.listRecords", q), &resp); err != nil {
			return nil, err
		}
		for _, rec := range resp.Records {
			_, _, rkey, err := domain.SplitURI(rec.URI)
			if err != nil {
				return nil, fmt.Errorf("list %s/%s: %w", did, collection, err)
			}
			out = append(out, backfill.SnapshotRecord{
				Collection: collection,
				RKey:       rkey,
				CID:        rec.CID,
				Record:     rec.Value,
			})
		}
		if resp.Cursor == "" || len(resp.Records) == 0 {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.URL, e.Code, e.Body)
}

func (c *Client) xrpc(method string, q url.Values) string {
	return c.host + "/xrpc/" + method + "?" + q.Encode()
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, URL: rawURL, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
