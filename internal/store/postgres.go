package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/complytrack/ledgerlink/internal/config"
)

const defaultRecordsTable = "connection_store"

// PostgresBackend persists records in a single JSONB table.
type PostgresBackend struct {
	db    *sql.DB
	table string
}

// NewPostgresBackend connects to PostgreSQL and ensures the records table exists.
func NewPostgresBackend(ctx context.Context, cfg config.PostgresConfig) (*PostgresBackend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultRecordsTable
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	s := &PostgresBackend{db: db, table: quoteIdentifier(table)}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresBackend) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres store: create records table: %w", err)
	}
	return nil
}

// Load fetches the content column for the given record id.
func (s *PostgresBackend) Load(ctx context.Context, name string) ([]byte, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.table)
	var content []byte
	err := s.db.QueryRowContext(ctx, query, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load %s: %w", name, err)
	}
	return content, nil
}

// Save upserts the record content.
func (s *PostgresBackend) Save(ctx context.Context, name string, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, updated_at) VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.table)
	if _, err := s.db.ExecContext(ctx, query, name, data); err != nil {
		return fmt.Errorf("postgres store: save %s: %w", name, err)
	}
	return nil
}

// Delete removes the record row.
func (s *PostgresBackend) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table)
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("postgres store: delete %s: %w", name, err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *PostgresBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
