package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
)

type subjectRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type likeRecord struct {
	Subject   subjectRef `json:"subject"`
	CreatedAt string     `json:"createdAt"`
}

// Like indexes app.bsky.feed.like.
type Like struct{}

func (*Like) Collection() string { return "app.bsky.feed.like" }

func (l *Like) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec likeRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: like %s: %v", ErrMalformed, rc.URI, err)
	}
	if rec.Subject.URI == "" {
		return fmt.Errorf("%w: like %s: empty subject", ErrMalformed, rc.URI)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	// DO NOTHING covers both the uri key and the (creator, subject) key, so
	// a replayed event and a duplicate like of the same subject both
	// converge on the first row.
	res, err := tx.ExecContext(ctx, `
INSERT INTO feed_like(uri, cid, creator, subject_uri, subject_cid, created_at, indexed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		rc.URI, rc.CID, rc.DID, rec.Subject.URI, rec.Subject.CID, ts(createdAt), ts(rc.IndexedAt))
	if err != nil {
		return fmt.Errorf("insert like %s: %w", rc.URI, err)
	}
	if err := recomputePostAgg(ctx, tx, rec.Subject.URI); err != nil {
		return err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted > 0 {
		return notify(ctx, tx, domain.CreatorOf(rec.Subject.URI), rc, "like", rec.Subject.URI)
	}
	return nil
}

func (l *Like) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return l.Insert(ctx, tx, rc)
}

func (l *Like) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	var subjectURI string
	err := tx.QueryRowContext(ctx, `SELECT subject_uri FROM feed_like WHERE uri = ?`, uri).Scan(&subjectURI)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_like WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete like %s: %w", uri, err)
	}
	if err := recomputePostAgg(ctx, tx, subjectURI); err != nil {
		return err
	}
	return dropNotifications(ctx, tx, uri)
}
