package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type blockRecord struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// Block indexes app.bsky.graph.block. Blocks are private state, so no
// notification is emitted.
type Block struct{}

func (*Block) Collection() string { return "app.bsky.graph.block" }

func (b *Block) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec blockRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: block %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.Subject == "" {
		return fmt.Errorf("%w: block %s: empty subject", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	_, err := tx.ExecContext(ctx, `
INSERT INTO graph_block(uri, cid, creator, subject_did, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		rc.URI, rc.CID, rc.DID, rec.Subject, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert block %s: %w", rc.URI, err)
	}
	return nil
}

func (b *Block) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return b.Insert(ctx, tx, rc)
}

func (b *Block) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_block WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete block %s: %w", uri, err)
	}
	return nil
}
