package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type listRecord struct {
	Name      string `json:"name"`
	Purpose   string `json:"purpose"`
	CreatedAt string `json:"createdAt"`
}

// List indexes app.bsky.graph.list.
type List struct{}

func (*List) Collection() string { return "app.bsky.graph.list" }

func (l *List) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec listRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: list %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.Name == "" {
		return fmt.Errorf("%w: list %s: empty name", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	_, err := tx.ExecContext(ctx, `
INSERT INTO list(uri, cid, creator, name, purpose, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uri) DO UPDATE SET
	cid=excluded.cid,
	name=excluded.name,
	purpose=excluded.purpose,
	created_at=excluded.created_at`,
		rc.URI, rc.CID, rc.DID, rec.Name, rec.Purpose, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert list %s: %w", rc.URI, err)
	}
	return nil
}

func (l *List) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return l.Insert(ctx, tx, rc)
}

func (l *List) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM list WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete list %s: %w", uri, err)
	}
	// Orphaned membership rows are useless without their list.
	if _, err := tx.ExecContext(ctx, `DELETE FROM list_item WHERE list_uri = ?`, uri); err != nil {
		return fmt.Errorf("delete list items of %s: %w", uri, err)
	}
	return nil
}
