package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type followRecord struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// Follow indexes app.bsky.graph.follow.
type Follow struct{}

func (*Follow) Collection() string { return "app.bsky.graph.follow" }

func (f *Follow) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec followRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: follow %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.Subject == "" {
		return fmt.Errorf("%w: follow %s: empty subject", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	res, err := tx.ExecContext(ctx, `
INSERT INTO follow(uri, cid, creator, subject_did, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		rc.URI, rc.CID, rc.DID, rec.Subject, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert follow %s: %w", rc.URI, err)
	}
	if err := recomputeProfileAgg(ctx, tx, rc.DID); err != nil {
		return err
	}
	if err := recomputeProfileAgg(ctx, tx, rec.Subject); err != nil {
		return err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted > 0 {
		return notify(ctx, tx, rec.Subject, rc, "follow", "")
	}
	return nil
}

func (f *Follow) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return f.Insert(ctx, tx, rc)
}

func (f *Follow) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	var creator, subject string
	err := tx.QueryRowContext(ctx, `SELECT creator, subject_did FROM follow WHERE uri = ?`, uri).Scan(&creator, &subject)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM follow WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete follow %s: %w", uri, err)
	}
	if err := recomputeProfileAgg(ctx, tx, creator); err != nil {
		return err
	}
	if err := recomputeProfileAgg(ctx, tx, subject); err != nil {
		return err
	}
	return dropNotifications(ctx, tx, uri)
}
