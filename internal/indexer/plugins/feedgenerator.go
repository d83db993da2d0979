package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type feedGeneratorRecord struct {
	DID         string `json:"did"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
}

// FeedGenerator indexes app.bsky.feed.generator.
type FeedGenerator struct{}

func (*FeedGenerator) Collection() string { return "app.bsky.feed.generator" }

func (f *FeedGenerator) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec feedGeneratorRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: generator %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.DID == "" || rec.DisplayName == "" {
		return fmt.Errorf("%w: generator %s: missing did or displayName", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	var description any
	if rec.Description != "" {
		description = rec.Description
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO feed_generator(uri, cid, creator, feed_did, display_name, description, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uri) DO UPDATE SET
	cid=excluded.cid,
	feed_did=excluded.feed_did,
	display_name=excluded.display_name,
	description=excluded.description,
	created_at=excluded.created_at`,
		rc.URI, rc.CID, rc.DID, rec.DID, rec.DisplayName, description, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert generator %s: %w", rc.URI, err)
	}
	return nil
}

func (f *FeedGenerator) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return f.Insert(ctx, tx, rc)
}

func (f *FeedGenerator) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_generator WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete generator %s: %w", uri, err)
	}
	return nil
}
