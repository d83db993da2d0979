package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type profileRecord struct {
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// Profile indexes app.bsky.actor.profile. Each actor has at most one, keyed
// by the fixed "self" rkey.
type Profile struct{}

func (*Profile) Collection() string { return "app.bsky.actor.profile" }

func (p *Profile) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec profileRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: profile %s: %v", ErrMalformed, rc.URI, err)
	}

	var displayName, description any
	if rec.DisplayName != "" {
		displayName = rec.DisplayName
	}
	if rec.Description != "" {
		description = rec.Description
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO profile(uri, cid, creator, display_name, description, indexed_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(uri) DO UPDATE SET
	cid=excluded.cid,
	display_name=excluded.display_name,
	description=excluded.description`,
		rc.URI, rc.CID, rc.DID, displayName, description, ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert profile %s: %w", rc.URI, err)
	}
	return nil
}

func (p *Profile) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return p.Insert(ctx, tx, rc)
}

func (p *Profile) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM profile WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete profile %s: %w", uri, err)
	}
	return nil
}
