package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
)

type postRecord struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
	Reply     *struct {
		Parent struct {
			URI string `json:"uri"`
			CID string `json:"cid"`
		} `json:"parent"`
		Root struct {
			URI string `json:"uri"`
			CID string `json:"cid"`
		} `json:"root"`
	} `json:"reply"`
}

// Post indexes app.bsky.feed.post.
type Post struct{}

func (*Post) Collection() string { return "app.bsky.feed.post" }

func (p *Post) Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	var rec postRecord
	if err := json.Unmarshal(rc.Record, &rec); err != nil {
		return fmt.Errorf("%w: post %s: %v", ErrMalformed, rc.URI, err)
	}
	createdAt := parseCreatedAt(rec.CreatedAt, rc.IndexedAt)

	var replyParent, replyRoot any
	if rec.Reply != nil {
		replyParent = rec.Reply.Parent.URI
		replyRoot = rec.Reply.Root.URI
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO post(uri, cid, creator, text, reply_parent, reply_root, created_at, indexed_at, sort_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uri) DO UPDATE SET
	cid=excluded.cid,
	text=excluded.text,
	reply_parent=excluded.reply_parent,
	reply_root=excluded.reply_root,
	created_at=excluded.created_at,
	sort_at=excluded.sort_at`,
		rc.URI, rc.CID, rc.DID, rec.Text, replyParent, replyRoot,
		ts(createdAt), ts(rc.IndexedAt), ts(sortAt(createdAt, rc.IndexedAt)))
	if err != nil {
		return fmt.Errorf("insert post %s: %w", rc.URI, err)
	}

	if err := recomputeProfileAgg(ctx, tx, rc.DID); err != nil {
		return err
	}
	if rec.Reply != nil && rec.Reply.Parent.URI != "" {
		if err := recomputePostAgg(ctx, tx, rec.Reply.Parent.URI); err != nil {
			return err
		}
		if err := notify(ctx, tx, domain.CreatorOf(rec.Reply.Parent.URI), rc, "reply", rec.Reply.Parent.URI); err != nil {
			return err
		}
	}
	return nil
}

func (p *Post) Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error {
	return p.Insert(ctx, tx, rc)
}

func (p *Post) Delete(ctx context.Context, tx *sql.Tx, uri string) error {
	var creator string
	var replyParent sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT creator, reply_parent FROM post WHERE uri = ?`, uri).
		Scan(&creator, &replyParent)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM post WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete post %s: %w", uri, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM post_agg WHERE uri = ?`, uri); err != nil {
		return err
	}
	if err := recomputeProfileAgg(ctx, tx, creator); err != nil {
		return err
	}
	if replyParent.Valid {
		if err := recomputePostAgg(ctx, tx, replyParent.String); err != nil {
			return err
		}
	}
	return dropNotifications(ctx, tx, uri)
}
