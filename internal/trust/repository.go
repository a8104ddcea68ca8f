package trust

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

// Repository persists certificate trust decisions across restarts.
type Repository interface {
	Load(ctx context.Context) (trusted, notTrusted map[string]string, err error)
	Save(ctx context.Context, origin, serialized string, trusted bool) error
	Clear(ctx context.Context) error
}

type migration struct {
	Version int
	UpSQL   string
}

var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS certificate_decisions (
	origin TEXT PRIMARY KEY,
	serialized TEXT NOT NULL,
	trusted INTEGER NOT NULL CHECK(trusted IN (0, 1)),
	decided_at TEXT NOT NULL
);
`,
	},
}

// SQLiteRepository stores decisions in a local sqlite file.
type SQLiteRepository struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create trust db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod trust db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepository{db: db}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) Load(ctx context.Context) (map[string]string, map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT origin, serialized, trusted FROM certificate_decisions`)
	if err != nil {
		return nil, nil, fmt.Errorf("load certificate decisions: %w", err)
	}
	defer rows.Close()

	trusted := map[string]string{}
	notTrusted := map[string]string{}
	for rows.Next() {
		var (
			origin, serialized string
			flag               int
		)
		if err := rows.Scan(&origin, &serialized, &flag); err != nil {
			return nil, nil, fmt.Errorf("scan certificate decision: %w", err)
		}
		if flag == 1 {
			trusted[origin] = serialized
		} else {
			notTrusted[origin] = serialized
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate certificate decisions: %w", err)
	}
	return trusted, notTrusted, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, origin, serialized string, trusted bool) error {
	flag := 0
	if trusted {
		flag = 1
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO certificate_decisions(origin, serialized, trusted, decided_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(origin) DO UPDATE SET
	serialized=excluded.serialized,
	trusted=excluded.trusted,
	decided_at=excluded.decided_at
`, origin, serialized, flag, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save certificate decision: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM certificate_decisions`); err != nil {
		return fmt.Errorf("clear certificate decisions: %w", err)
	}
	return nil
}
