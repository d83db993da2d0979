package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type starterPackRecord struct {
	Name      string `json:"name"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

// StarterPack indexes app.bsky.graph.starterpack.
type StarterPack struct{}

func (*StarterPack) Collection() string { return "app.bsky.graph.starterpack" }

func (s *StarterPack) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec starterPackRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: starter pack %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.Name == "" {
		return fmt.Errorf("%w: starter pack %s: empty name", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	_, err := tx.ExecContext(ctx, `
INSERT INTO starter_pack(uri, cid, creator, name, list_uri, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uri) DO UPDATE SET
	cid=excluded.cid,
	name=excluded.name,
	list_uri=excluded.list_uri,
	created_at=excluded.created_at`,
		rc.URI, rc.CID, rc.DID, rec.Name, rec.List, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert starter pack %s: %w", rc.URI, err)
	}
	return nil
}

func (s *StarterPack) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return s.Insert(ctx, tx, rc)
}

func (s *StarterPack) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM starter_pack WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete starter pack %s: %w", uri, err)
	}
	return nil
}
