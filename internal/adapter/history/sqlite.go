package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"lia-terminal/internal/domain"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.HistoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration. The parent directory is created if needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			tab_id     TEXT NOT NULL DEFAULT '',
			input      TEXT NOT NULL,
			directory  TEXT NOT NULL DEFAULT '',
			exit_code  INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_tab ON history(tab_id, id);
		CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Append(ctx context.Context, e domain.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO history (tab_id, input, directory, exit_code, created_at) VALUES (?, ?, ?, ?, ?)",
		e.TabID, e.Input, e.Directory, e.ExitCode, e.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return domain.NewCausedError("SQLiteStore.Append", domain.ErrHistoryStore, err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tab_id, input, directory, exit_code, created_at FROM history ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, domain.NewCausedError("SQLiteStore.Recent", domain.ErrHistoryStore, err)
	}
	return scanOldestFirst("SQLiteStore.Recent", rows)
}

func (s *SQLiteStore) ForTab(ctx context.Context, tabID string, limit int) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tab_id, input, directory, exit_code, created_at FROM history WHERE tab_id = ? ORDER BY id DESC LIMIT ?",
		tabID, limit,
	)
	if err != nil {
		return nil, domain.NewCausedError("SQLiteStore.ForTab", domain.ErrHistoryStore, err)
	}
	return scanOldestFirst("SQLiteStore.ForTab", rows)
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE created_at < ?", olderThan.UTC().UnixNano())
	if err != nil {
		return 0, domain.NewCausedError("SQLiteStore.Prune", domain.ErrHistoryStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored entries.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history").Scan(&n); err != nil {
		return 0, domain.NewCausedError("SQLiteStore.Count", domain.ErrHistoryStore, err)
	}
	return n, nil
}

// scanOldestFirst reads rows selected newest first and returns them oldest
// first.
func scanOldestFirst(op string, rows *sql.Rows) ([]domain.HistoryEntry, error) {
	defer rows.Close()
	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.TabID, &e.Input, &e.Directory, &e.ExitCode, &created); err != nil {
			return nil, domain.NewCausedError(op, domain.ErrHistoryStore, err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewCausedError(op, domain.ErrHistoryStore, err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
