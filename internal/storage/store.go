package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS record (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	did TEXT NOT NULL,
	json TEXT NOT NULL,
	rev TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	via_backfill INTEGER NOT NULL DEFAULT 0,
	tombstoned INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_record_did ON record(did);

CREATE TABLE IF NOT EXISTS actor (
	did TEXT PRIMARY KEY,
	handle TEXT,
	indexed_at TEXT NOT NULL,
	upstream_status TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_actor_handle ON actor(handle) WHERE handle IS NOT NULL;

CREATE TABLE IF NOT EXISTS actor_sync (
	did TEXT PRIMARY KEY,
	commit_cid TEXT NOT NULL,
	repo_rev TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_cursor (
	source TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS post (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	reply_parent TEXT,
	reply_root TEXT,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	sort_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_post_creator_sort ON post(creator, sort_at);
CREATE INDEX IF NOT EXISTS idx_post_reply_parent ON post(reply_parent);

CREATE TABLE IF NOT EXISTS feed_like (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	subject_uri TEXT NOT NULL,
	subject_cid TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	UNIQUE(creator, subject_uri)
);

CREATE INDEX IF NOT EXISTS idx_feed_like_subject ON feed_like(subject_uri);

CREATE TABLE IF NOT EXISTS repost (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	subject_uri TEXT NOT NULL,
	subject_cid TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	UNIQUE(creator, subject_uri)
);

CREATE INDEX IF NOT EXISTS idx_repost_subject ON repost(subject_uri);

CREATE TABLE IF NOT EXISTS follow (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	subject_did TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	UNIQUE(creator, subject_did)
);

CREATE INDEX IF NOT EXISTS idx_follow_subject ON follow(subject_did);

CREATE TABLE IF NOT EXISTS graph_block (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	subject_did TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	UNIQUE(creator, subject_did)
);

CREATE TABLE IF NOT EXISTS profile (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	display_name TEXT,
	description TEXT,
	indexed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS list (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	name TEXT NOT NULL,
	purpose TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS list_item (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	subject_did TEXT NOT NULL,
	list_uri TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	UNIQUE(creator, subject_did, list_uri)
);

CREATE INDEX IF NOT EXISTS idx_list_item_list ON list_item(list_uri);

CREATE TABLE IF NOT EXISTS starter_pack (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	name TEXT NOT NULL,
	list_uri TEXT,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_starter_pack_creator ON starter_pack(creator);

CREATE TABLE IF NOT EXISTS feed_generator (
	uri TEXT PRIMARY KEY,
	cid TEXT NOT NULL,
	creator TEXT NOT NULL,
	feed_did TEXT NOT NULL,
	display_name TEXT NOT NULL,
	description TEXT,
	created_at TEXT NOT NULL,
	indexed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS post_agg (
	uri TEXT PRIMARY KEY,
	like_count INTEGER NOT NULL DEFAULT 0,
	repost_count INTEGER NOT NULL DEFAULT 0,
	reply_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS profile_agg (
	did TEXT PRIMARY KEY,
	followers_count INTEGER NOT NULL DEFAULT 0,
	follows_count INTEGER NOT NULL DEFAULT 0,
	posts_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notification (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	did TEXT NOT NULL,
	record_uri TEXT NOT NULL,
	record_cid TEXT NOT NULL,
	author TEXT NOT NULL,
	reason TEXT NOT NULL,
	reason_subject TEXT,
	indexed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notification_did ON notification(did, indexed_at);
`

// Record is a row of the generic record table. Every indexed record lands
// here regardless of collection; typed tables are derived from it.
type Record struct {
	URI         string
	CID         string
	DID         string
	JSON        string
	Rev         string
	IndexedAt   time.Time
	ViaBackfill bool
	Tombstoned  bool
}

// Actor is a row of the actor table.
type Actor struct {
	DID            string
	Handle         string
	IndexedAt      time.Time
	UpstreamStatus string
}

// Store wraps the single sqlite database backing the indexer.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertRecord writes rec unless the stored row already carries a newer
// revision. At equal revision a live write replaces a backfilled row but
// never the reverse, and two writes from the same provenance are a no-op.
// It reports whether the row changed.
func (s *Store) UpsertRecord(ctx context.Context, tx *sql.Tx, rec Record) (bool, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO record(uri, cid, did, json, rev, indexed_at, via_backfill, tombstoned)
VALUES(?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(uri) DO UPDATE SET
	cid=excluded.cid,
	json=excluded.json,
	rev=excluded.rev,
	indexed_at=excluded.indexed_at,
	via_backfill=excluded.via_backfill,
	tombstoned=0
WHERE record.rev < excluded.rev
	OR (record.rev = excluded.rev AND record.via_backfill = 1 AND excluded.via_backfill = 0)`,
		rec.URI, rec.CID, rec.DID, rec.JSON, rec.Rev, rec.IndexedAt.UTC().Format(time.RFC3339), boolToInt(rec.ViaBackfill))
	if err != nil {
		return false, fmt.Errorf("upsert record %s: %w", rec.URI, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TombstoneRecord marks a record deleted under the same revision guard as
// UpsertRecord. The row is kept so a later replay of the deleted create
// cannot resurrect it.
func (s *Store) TombstoneRecord(ctx context.Context, tx *sql.Tx, uri, did, rev string, indexedAt time.Time, viaBackfill bool) (bool, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO record(uri, cid, did, json, rev, indexed_at, via_backfill, tombstoned)
VALUES(?, '', ?, '', ?, ?, ?, 1)
ON CONFLICT(uri) DO UPDATE SET
	cid='',
	json='',
	rev=excluded.rev,
	indexed_at=excluded.indexed_at,
	via_backfill=excluded.via_backfill,
	tombstoned=1
WHERE record.rev < excluded.rev
	OR (record.rev = excluded.rev AND record.via_backfill = 1 AND excluded.via_backfill = 0)`,
		uri, did, rev, indexedAt.UTC().Format(time.RFC3339), boolToInt(viaBackfill))
	if err != nil {
		return false, fmt.Errorf("tombstone record %s: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRecord reads one row of the record table.
func (s *Store) GetRecord(ctx context.Context, uri string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT uri, cid, did, json, rev, indexed_at, via_backfill, tombstoned
FROM record WHERE uri = ?`, uri)

	var rec Record
	var indexedAt string
	var viaBackfill, tombstoned int
	err := row.Scan(&rec.URI, &rec.CID, &rec.DID, &rec.JSON, &rec.Rev, &indexedAt, &viaBackfill, &tombstoned)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.IndexedAt, _ = time.Parse(time.RFC3339, indexedAt)
	rec.ViaBackfill = viaBackfill != 0
	rec.Tombstoned = tombstoned != 0
	return rec, true, nil
}

// SetCommitLastSeen records the newest commit observed for a repository.
// Older revisions are ignored so out-of-order delivery cannot move the
// watermark backwards.
func (s *Store) SetCommitLastSeen(ctx context.Context, did, commitCID, rev string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actor_sync(did, commit_cid, repo_rev)
VALUES(?, ?, ?)
ON CONFLICT(did) DO UPDATE SET
	commit_cid=excluded.commit_cid,
	repo_rev=excluded.repo_rev
WHERE actor_sync.repo_rev < excluded.repo_rev`, did, commitCID, rev)
	if err != nil {
		return fmt.Errorf("set commit watermark for %s: %w", did, err)
	}
	return nil
}

// GetCommitLastSeen returns the repository's commit watermark.
func (s *Store) GetCommitLastSeen(ctx context.Context, did string) (commitCID, rev string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT commit_cid, repo_rev FROM actor_sync WHERE did = ?`, did)
	err = row.Scan(&commitCID, &rev)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return commitCID, rev, true, nil
}

// GetActor reads one row of the actor table.
func (s *Store) GetActor(ctx context.Context, did string) (Actor, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT did, COALESCE(handle, ''), indexed_at, COALESCE(upstream_status, '')
FROM actor WHERE did = ?`, did)

	var a Actor
	var indexedAt string
	err := row.Scan(&a.DID, &a.Handle, &indexedAt, &a.UpstreamStatus)
	if err == sql.ErrNoRows {
		return Actor{}, false, nil
	}
	if err != nil {
		return Actor{}, false, err
	}
	a.IndexedAt, _ = time.Parse(time.RFC3339, indexedAt)
	return a, true, nil
}

// SaveActorHandle upserts an actor with a freshly resolved handle. An empty
// handle stores NULL, which keeps the unique handle index from colliding on
// actors whose handle is unknown or invalid.
func (s *Store) SaveActorHandle(ctx context.Context, did, handle string, indexedAt time.Time) error {
	var h any
	if handle != "" {
		h = handle
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actor(did, handle, indexed_at)
VALUES(?, ?, ?)
ON CONFLICT(did) DO UPDATE SET
	handle=excluded.handle,
	indexed_at=excluded.indexed_at`,
		did, h, indexedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save actor %s: %w", did, err)
	}
	return nil
}

// ClearHandle releases a handle from whichever actor currently holds it, for
// when a handle moves between accounts.
func (s *Store) ClearHandle(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE actor SET handle = NULL WHERE handle = ?`, handle)
	if err != nil {
		return fmt.Errorf("clear handle %s: %w", handle, err)
	}
	return nil
}

// SetActorStatus records the upstream account status. An empty status stores
// NULL, meaning active.
func (s *Store) SetActorStatus(ctx context.Context, did, status string, indexedAt time.Time) error {
	var st any
	if status != "" {
		st = status
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actor(did, indexed_at, upstream_status)
VALUES(?, ?, ?)
ON CONFLICT(did) DO UPDATE SET upstream_status=excluded.upstream_status`,
		did, indexedAt.UTC().Format(time.RFC3339), st)
	if err != nil {
		return fmt.Errorf("set actor status %s: %w", did, err)
	}
	return nil
}

// DeleteActor removes an account and everything indexed from it.
func (s *Store) DeleteActor(ctx context.Context, did string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM post WHERE creator = ?`,
			`DELETE FROM feed_like WHERE creator = ?`,
			`DELETE FROM repost WHERE creator = ?`,
			`DELETE FROM follow WHERE creator = ?`,
			`DELETE FROM graph_block WHERE creator = ?`,
			`DELETE FROM profile WHERE creator = ?`,
			`DELETE FROM list WHERE creator = ?`,
			`DELETE FROM list_item WHERE creator = ?`,
			`DELETE FROM starter_pack WHERE creator = ?`,
			`DELETE FROM feed_generator WHERE creator = ?`,
			`DELETE FROM notification WHERE did = ? OR author = ?`,
			`DELETE FROM profile_agg WHERE did = ?`,
			`DELETE FROM record WHERE did = ?`,
			`DELETE FROM actor_sync WHERE did = ?`,
			`DELETE FROM actor WHERE did = ?`,
		}
		for _, stmt := range stmts {
			args := []any{did}
			if stmt == `DELETE FROM notification WHERE did = ? OR author = ?` {
				args = append(args, did)
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("delete actor %s: %w", did, err)
			}
		}
		return nil
	})
}

// GetCursor reads a named ingest checkpoint.
func (s *Store) GetCursor(ctx context.Context, source string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM ingest_cursor WHERE source = ?`, source)
	var v string
	err := row.Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetCursor writes a named ingest checkpoint.
func (s *Store) SetCursor(ctx context.Context, source, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ingest_cursor(source, value)
VALUES(?, ?)
ON CONFLICT(source) DO UPDATE SET value=excluded.value`, source, value)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", source, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
