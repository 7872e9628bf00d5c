package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists secrets in a dedicated SQLite file readable only by
// the owning user.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (or creates) the credential database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create credential dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create credential file: %w", err)
	}
	f.Close()
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("restrict credential file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS credentials (
    profile_id TEXT PRIMARY KEY,
    secret TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init credential schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// Close releases underlying resources.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Store(ctx context.Context, profileID, secret string) error {
	if profileID == "" {
		return errors.New("credential key must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(profile_id, secret, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(profile_id) DO UPDATE SET secret=excluded.secret, updated_at=excluded.updated_at`,
		profileID, secret, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, profileID string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, `SELECT secret FROM credentials WHERE profile_id = ?`, profileID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("retrieve credential: %w", err)
	}
	return secret, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, profileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
