package voices

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Voice is one entry in the reference-voice library.
type Voice struct {
	Name       string
	Path       string
	Discovered bool
	SampleRate int
	CreatedAt  time.Time
}

// Store keeps voice metadata in a SQLite database next to the sample files.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// OpenStore initializes the metadata database, creating parent directories
// and the schema as needed.
func OpenStore(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS voices (
    name TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    discovered INTEGER NOT NULL DEFAULT 0,
    sample_rate INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voices_created ON voices(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert records a voice, replacing the path of an existing entry.
func (s *Store) Upsert(ctx context.Context, v Voice) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voices(name, path, discovered, sample_rate, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET path=excluded.path, discovered=excluded.discovered, sample_rate=excluded.sample_rate`,
		v.Name, v.Path, boolToInt(v.Discovered), v.SampleRate, v.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// Get returns the voice for name, or sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, name string) (Voice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, path, discovered, sample_rate, created_at FROM voices WHERE name = ?`, name)
	return scanVoice(row.Scan)
}

// List returns every voice ordered by name.
func (s *Store) List(ctx context.Context) ([]Voice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, path, discovered, sample_rate, created_at FROM voices ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Voice
	for rows.Next() {
		v, err := scanVoice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Delete removes a voice entry by name.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM voices WHERE name = ?`, name)
	return err
}

func scanVoice(scan func(dest ...any) error) (Voice, error) {
	var v Voice
	var discovered int
	var created string
	if err := scan(&v.Name, &v.Path, &discovered, &v.SampleRate, &created); err != nil {
		return Voice{}, err
	}
	v.Discovered = discovered != 0
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		v.CreatedAt = ts
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
