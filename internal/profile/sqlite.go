package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/domain"
	_ "modernc.org/sqlite"
)

const activeKey = "active_profile_id"

// SQLiteRepository stores profile metadata in SQLite. Secrets never reach
// this database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the profile database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
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

	r := &SQLiteRepository{db: db}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS profiles (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    name_key TEXT NOT NULL UNIQUE,
    language TEXT NOT NULL,
    engine TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_profiles_created ON profiles(created_at);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init profile schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (r *SQLiteRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) List(ctx context.Context) ([]domain.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, language, engine, model, port, created_at, updated_at
		 FROM profiles ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	// Text timestamps sort lexically only when offsets match.
	sortProfiles(profiles)
	return profiles, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (domain.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, language, engine, model, port, created_at, updated_at
		 FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, ErrNotFound
	}
	return p, err
}

func (r *SQLiteRepository) Insert(ctx context.Context, p domain.Profile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles(id, name, name_key, language, engine, model, port, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nameKey(p.Name), p.Language, string(p.Engine), p.Model, p.Port,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return mapConstraint("insert profile", err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, p domain.Profile) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET name = ?, name_key = ?, language = ?, engine = ?, model = ?, port = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, nameKey(p.Name), p.Language, string(p.Engine), p.Model, p.Port, formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return mapConstraint("update profile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) ActiveID(ctx context.Context) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, activeKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active profile: %w", err)
	}
	return id, nil
}

func (r *SQLiteRepository) SetActiveID(ctx context.Context, id string) error {
	var err error
	if id == "" {
		_, err = r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, activeKey)
	} else {
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO settings(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, activeKey, id)
	}
	if err != nil {
		return fmt.Errorf("write active profile: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (domain.Profile, error) {
	var (
		p                domain.Profile
		engine           string
		created, updated string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.Language, &engine, &p.Model, &p.Port, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Profile{}, err
		}
		return domain.Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.Engine = domain.Engine(engine)
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return domain.Profile{}, fmt.Errorf("profile %s: corrupt created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return domain.Profile{}, fmt.Errorf("profile %s: corrupt updated_at: %w", p.ID, err)
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func mapConstraint(op string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed: profiles.name_key") {
		return ErrNameConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}
