package plugins

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// parseCreatedAt normalizes the wildly varying createdAt strings seen on the
// network. Records without a usable timestamp fall back to their indexing
// time so they still sort deterministically.
func parseCreatedAt(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	// Some clients emit zoneless timestamps. Treat them as UTC.
	if !strings.HasSuffix(s, "Z") {
		if t, err := time.Parse(time.RFC3339Nano, s+"Z"); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// sortAt clamps a record's createdAt so client clock skew cannot push it
// into the future past its indexing time.
func sortAt(createdAt, indexedAt time.Time) time.Time {
	if createdAt.Before(indexedAt) {
		return createdAt
	}
	return indexedAt
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// recomputePostAgg rebuilds a post's counters from the typed tables. Counts
// are recomputed rather than incremented so replayed events converge instead
// of double counting.
func recomputePostAgg(ctx context.Context, tx *sql.Tx, uri string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO post_agg(uri, like_count, repost_count, reply_count)
VALUES(
	?1,
	(SELECT COUNT(*) FROM feed_like WHERE subject_uri = ?1),
	(SELECT COUNT(*) FROM repost WHERE subject_uri = ?1),
	(SELECT COUNT(*) FROM post WHERE reply_parent = ?1)
)
ON CONFLICT(uri) DO UPDATE SET
	like_count=excluded.like_count,
	repost_count=excluded.repost_count,
	reply_count=excluded.reply_count`, uri)
	return err
}

// recomputeProfileAgg rebuilds an actor's counters from the typed tables.
func recomputeProfileAgg(ctx context.Context, tx *sql.Tx, did string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO profile_agg(did, followers_count, follows_count, posts_count)
VALUES(
	?1,
	(SELECT COUNT(*) FROM follow WHERE subject_did = ?1),
	(SELECT COUNT(*) FROM follow WHERE creator = ?1),
	(SELECT COUNT(*) FROM post WHERE creator = ?1)
)
ON CONFLICT(did) DO UPDATE SET
	followers_count=excluded.followers_count,
	follows_count=excluded.follows_count,
	posts_count=excluded.posts_count`, did)
	return err
}

// notify records a notification for recipient unless they caused the event
// themselves.
func notify(ctx context.Context, tx *sql.Tx, recipient string, rc RecordContext, reason, reasonSubject string) error {
	if recipient == "" || recipient == rc.DID {
		return nil
	}
	var subject any
	if reasonSubject != "" {
		subject = reasonSubject
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO notification(did, record_uri, record_cid, author, reason, reason_subject, indexed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		recipient, rc.URI, rc.CID, rc.DID, reason, subject, ts(rc.IndexedAt))
	return err
}

func dropNotifications(ctx context.Context, tx *sql.Tx, recordURI string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM notification WHERE record_uri = ?`, recordURI)
	return err
}
