package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/lib/pq" // postgres driver
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards the identifier interpolated into SQL.
func validateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must match %s", name, tableNameRe.String())
	}
	return nil
}

// PGStore keeps one row per slot: (client_id, history JSONB, updated_at).
// Update locks the row with SELECT ... FOR UPDATE inside a transaction.
type PGStore struct {
	db    *sql.DB
	table string
}

// OpenPGStore connects with lib/pq, checks the table name and makes sure
// the schema exists.
func OpenPGStore(ctx context.Context, dsn, table string) (*PGStore, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &PGStore{db: db, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStoreWithDB wraps an existing handle without touching the schema.
func NewPGStoreWithDB(db *sql.DB, table string) (*PGStore, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	return &PGStore{db: db, table: table}, nil
}

func (s *PGStore) Name() string { return "postgres" }

func (s *PGStore) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	client_id  TEXT PRIMARY KEY,
	history    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	createIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_at)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", s.table, err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	q := fmt.Sprintf(`SELECT history FROM %s WHERE client_id = $1`, s.table)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	return v, nil
}

// Update inserts a placeholder row if none exists, locks it, and writes
// the new value. Nothing is committed when fn declines to write.
func (s *PGStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ins := fmt.Sprintf(`INSERT INTO %s (client_id, history) VALUES ($1, '[]'::jsonb) ON CONFLICT (client_id) DO NOTHING`, s.table)
	res, err := tx.ExecContext(ctx, ins, key)
	if err != nil {
		return fmt.Errorf("postgres reserve row: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres reserve row: %w", err)
	}
	found := inserted == 0

	var cur []byte
	sel := fmt.Sprintf(`SELECT history FROM %s WHERE client_id = $1 FOR UPDATE`, s.table)
	if err := tx.QueryRowContext(ctx, sel, key).Scan(&cur); err != nil {
		return fmt.Errorf("postgres lock row: %w", err)
	}
	if !found {
		cur = nil
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	upd := fmt.Sprintf(`UPDATE %s SET history = $2::jsonb, updated_at = now() WHERE client_id = $1`, s.table)
	if _, err := tx.ExecContext(ctx, upd, key, string(next)); err != nil {
		return fmt.Errorf("postgres write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	committed = true
	return nil
}

func (s *PGStore) Close() error {
	return s.db.Close()
}
