package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bskylink/bskylink/internal/model"
	"github.com/bskylink/bskylink/internal/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
var migrations = []string{
	// Migration 1: share log
	`
CREATE TABLE IF NOT EXISTS shares (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_url TEXT NOT NULL UNIQUE,
	handle TEXT NOT NULL,
	post_id TEXT NOT NULL,
	author_name TEXT,
	text TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shares_created_at ON shares(created_at DESC);
`,
	// Migration 2: render counter
	`ALTER TABLE shares ADD COLUMN hits INTEGER NOT NULL DEFAULT 1;`,
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

func (s *Store) RecordShare(ctx context.Context, share *model.Share) error {
	if share.PostURL == "" {
		return errors.New("share has no post url")
	}
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now()
	}
	row := s.db.QueryRowContext(ctx, `
INSERT INTO shares (post_url, handle, post_id, author_name, text, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(post_url) DO UPDATE SET
	handle = excluded.handle,
	post_id = excluded.post_id,
	author_name = excluded.author_name,
	text = excluded.text,
	created_at = excluded.created_at,
	hits = shares.hits + 1
RETURNING id, hits
`, share.PostURL, share.Handle, share.PostID, nullIfEmpty(share.AuthorName), nullIfEmpty(share.Text), share.CreatedAt.Unix())
	return row.Scan(&share.ID, &share.Hits)
}

func (s *Store) GetShare(ctx context.Context, postURL string) (model.Share, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, post_url, handle, post_id, author_name, text, hits, created_at
FROM shares
WHERE post_url = ?
`, postURL)
	return scanShare(row)
}

func (s *Store) ListRecentShares(ctx context.Context, limit int) ([]model.Share, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, post_url, handle, post_id, author_name, text, hits, created_at
FROM shares
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []model.Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

// PruneShares deletes shares last recorded before the cutoff.
func (s *Store) PruneShares(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE created_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetStats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT handle), COALESCE(SUM(hits), 0) FROM shares`)
	if err := row.Scan(&stats.Shares, &stats.Authors, &stats.Renders); err != nil {
		return stats, err
	}
	return stats, nil
}

func scanShare(scanner interface{ Scan(dest ...any) error }) (model.Share, error) {
	var sh model.Share
	var authorName sql.NullString
	var text sql.NullString
	var created int64
	if err := scanner.Scan(&sh.ID, &sh.PostURL, &sh.Handle, &sh.PostID, &authorName, &text, &sh.Hits, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Share{}, store.ErrNotFound
		}
		return model.Share{}, err
	}
	sh.AuthorName = authorName.String
	sh.Text = text.String
	sh.CreatedAt = time.Unix(created, 0).UTC()
	return sh, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
