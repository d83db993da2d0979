package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type listItemRecord struct {
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

// ListItem indexes app.bsky.graph.listitem.
type ListItem struct{}

func (*ListItem) Collection() string { return "app.bsky.graph.listitem" }

func (l *ListItem) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec listItemRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: listitem %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.Subject == "" || rec.List == "" {
		return fmt.Errorf("%w: listitem %s: empty subject or list", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	_, err := tx.ExecContext(ctx, `
INSERT INTO list_item(uri, cid, creator, subject_did, list_uri, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		rc.URI, rc.CID, rc.DID, rec.Subject, rec.List, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert listitem %s: %w", rc.URI, err)
	}
	return nil
}

func (l *ListItem) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return l.Insert(ctx, tx, rc)
}

func (l *ListItem) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM list_item WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete listitem %s: %w", uri, err)
	}
	return nil
}
