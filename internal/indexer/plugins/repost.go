package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
)

type repostRecord struct {
	Subject   subjectRef `json:"subject"`
	CreatedAt string     `json:"createdAt"`
}

// Repost indexes app.bsky.feed.repost.
type Repost struct{}

func (*Repost) Collection() string { return "app.bsky.feed.repost" }

func (r *Repost) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec repostRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: repost %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.Subject.URI == "" {
		return fmt.Errorf("%w: repost %s: empty subject", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	res, err := tx.ExecContext(ctx, `
INSERT INTO repost(uri, cid, creator, subject_uri, subject_cid, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		rc.URI, rc.CID, rc.DID, rec.Subject.URI, rec.Subject.CID, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert repost %s: %w", rc.URI, err)
	}
	if err := recomputePostAgg(ctx, tx, rec.Subject.URI); err != nil {
		return err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted > 0 {
		return notify(ctx, tx, domain.CreatorOf(rec.Subject.URI), rc, "repost", rec.Subject.URI)
	}
	return nil
}

func (r *Repost) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return r.Insert(ctx, tx, rc)
}

func (r *Repost) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	var subjectURI string
	err := tx.QueryRowContext(ctx, `SELECT subject_uri FROM repost WHERE uri = ?`, uri).Scan(&subjectURI)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM repost WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete repost %s: %w", uri, err)
	}
	if err := recomputePostAgg(ctx, tx, subjectURI); err != nil {
		return err
	}
	return dropNotifications(ctx, tx, uri)
}
