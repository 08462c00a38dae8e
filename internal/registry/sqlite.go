package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS connections (
  id               TEXT PRIMARY KEY,
  connected_at     INTEGER NOT NULL,
  display_name     TEXT NOT NULL DEFAULT '',
  domain_name      TEXT NOT NULL DEFAULT '',
  stage            TEXT NOT NULL DEFAULT '',
  client_timestamp TEXT NOT NULL DEFAULT '',
  updated_at       INTEGER NOT NULL
)`

// SQLiteRegistry persists connections in a single SQLite table.
type SQLiteRegistry struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewSQLiteRegistry(sqlDB), nil
}

// NewSQLiteRegistry wraps an open handle whose schema is already in place.
func NewSQLiteRegistry(sqlDB *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{
		sqlDB: sqlDB,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteRegistry) Register(ctx context.Context, id string, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO connections (id, connected_at, display_name, domain_name, stage, client_timestamp, updated_at)
		 VALUES (?, ?, '', ?, ?, '', ?)
		 ON CONFLICT(id) DO UPDATE SET
		   connected_at = excluded.connected_at,
		   display_name = '',
		   domain_name = excluded.domain_name,
		   stage = excluded.stage,
		   client_timestamp = '',
		   updated_at = excluded.updated_at`,
		id, toMillis(connectedAt(meta, now)), meta.DomainName, meta.Stage, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) Unregister(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("unregister connection: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) ListAll(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM connections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan connection id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return ids, nil
}

func (s *SQLiteRegistry) UpdateMetadata(ctx context.Context, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := toMillis(s.now())

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO connections (id, connected_at, display_name, domain_name, stage, client_timestamp, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE connections.display_name END,
		   domain_name = CASE WHEN excluded.domain_name <> '' THEN excluded.domain_name ELSE connections.domain_name END,
		   stage = CASE WHEN excluded.stage <> '' THEN excluded.stage ELSE connections.stage END,
		   client_timestamp = CASE WHEN excluded.client_timestamp <> '' THEN excluded.client_timestamp ELSE connections.client_timestamp END,
		   updated_at = excluded.updated_at`,
		id, now, fields.DisplayName, fields.DomainName, fields.Stage, fields.ClientTimestamp, now,
	)
	if err != nil {
		return fmt.Errorf("update connection metadata: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) Get(ctx context.Context, id string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		conn        = Connection{ID: id}
		connectedMs int64
		updatedMs   int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT connected_at, display_name, domain_name, stage, client_timestamp, updated_at
		 FROM connections WHERE id = ?`, id,
	).Scan(&connectedMs, &conn.DisplayName, &conn.DomainName, &conn.Stage, &conn.ClientTimestamp, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	conn.ConnectedAt = fromMillis(connectedMs)
	conn.UpdatedAt = fromMillis(updatedMs)
	return &conn, nil
}

func (s *SQLiteRegistry) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return n, nil
}

// Close closes the SQLite handle.
func (s *SQLiteRegistry) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
