package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind discriminates the normalized firehose envelope.
type EventKind string

const (
	EventCreate   EventKind = "create"
	EventUpdate   EventKind = "update"
	EventDelete   EventKind = "delete"
	EventRepo     EventKind = "repo"
	EventAccount  EventKind = "account"
	EventIdentity EventKind = "identity"
)

// SeqBackfill marks events synthesized by repository expansion rather than
// observed on the live firehose. The indexer uses it to skip side effects
// that only make sense for live traffic, such as commit watermark updates.
const SeqBackfill int64 = -1

// Event is the single envelope all pipeline stages exchange. Producer and
// Expander write it, the Indexer reads it; it is immutable once appended.
type Event struct {
	Kind       EventKind       `json:"type"`
	Seq        int64           `json:"seq"`
	Time       string          `json:"time"`
	DID        string          `json:"did"`
	Commit     string          `json:"commit,omitempty"`
	Rev        string          `json:"rev,omitempty"`
	Collection string          `json:"collection,omitempty"`
	RKey       string          `json:"rkey,omitempty"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`

	// Account fields.
	Active bool   `json:"active,omitempty"`
	Status string `json:"status,omitempty"`

	// Identity fields.
	Handle string `json:"handle,omitempty"`
}

// URI renders the record address for record-bearing events.
func (e Event) URI() string {
	return fmt.Sprintf("at://%s/%s/%s", e.DID, e.Collection, e.RKey)
}

// FromBackfill reports whether this event was synthesized by the Expander.
func (e Event) FromBackfill() bool {
	return e.Seq == SeqBackfill
}

// EncodeEvent serializes an event into queue entry fields.
func EncodeEvent(e Event) (map[string]string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return map[string]string{"event": string(raw)}, nil
}

// DecodeEvent parses an event out of queue entry fields.
func DecodeEvent(fields map[string]string) (Event, error) {
	raw, ok := fields["event"]
	if !ok {
		return Event{}, fmt.Errorf("decode event: missing event field")
	}
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// SplitURI breaks an at:// record URI into its did, collection and rkey.
func SplitURI(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("invalid record uri %q", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid record uri %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// CreatorOf returns the did component of a record URI, or "" if the URI is
// not well formed. Plugins use it for notification routing.
func CreatorOf(uri string) string {
	did, _, _, err := SplitURI(uri)
	if err != nil {
		return ""
	}
	return did
}

// Stream names shared by the pipeline stages.
const (
	StreamFirehoseLive     = "firehose_live"
	StreamFirehoseBackfill = "firehose_backfill"
	StreamRepoBacklog      = "repo_backfill"
	StreamRepoDeadLetter   = "repo_backfill_dlq"
)
