package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
)

const postgresTable = "curvecp_peers"

// PostgresStore keeps peers in a PostgreSQL table, created on first use.
type PostgresStore struct {
	pool  *sql.DB
	table string
}

// NewPostgresStore opens a connection pool to dsn and ensures the peers
// table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: postgres: open: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	if err := pool.Ping(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: postgres: ping: %w", err)
	}
	s := &PostgresStore{pool: pool, table: pq.QuoteIdentifier(postgresTable)}
	if err := s.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		key        TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		addr       TEXT NOT NULL DEFAULT '',
		allowed    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("registry: postgres: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.pool.ExecContext(ctx, `INSERT INTO `+s.table+` (key, name, addr, allowed, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET name = EXCLUDED.name, addr = EXCLUDED.addr,
			allowed = EXCLUDED.allowed, created_at = EXCLUDED.created_at`,
		p.Key.String(), p.Name, p.Addr, p.Allowed, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("registry: postgres: put: %w", describe(err))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key keys.Key) (*Peer, error) {
	row := s.pool.QueryRowContext(ctx,
		`SELECT key, name, addr, allowed, created_at FROM `+s.table+` WHERE key = $1`, key.String())
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: postgres: get: %w", describe(err))
	}
	return p, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key keys.Key) error {
	res, err := s.pool.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, key.String())
	if err != nil {
		return fmt.Errorf("registry: postgres: delete: %w", describe(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: postgres: delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List returns peers ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]Peer, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT key, name, addr, allowed, created_at FROM `+s.table+` ORDER BY name, key`)
	if err != nil {
		return nil, fmt.Errorf("registry: postgres: list: %w", describe(err))
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: postgres: list: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: postgres: list: %w", describe(err))
	}
	return out, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.pool.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		p   Peer
		key string
	)
	if err := row.Scan(&key, &p.Name, &p.Addr, &p.Allowed, &p.CreatedAt); err != nil {
		return nil, err
	}
	k, err := keys.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("stored key %q: %w", key, err)
	}
	p.Key = k
	return &p, nil
}

// describe adds the server's SQLSTATE code to PostgreSQL errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (sqlstate %s)", err, pqErr.Code)
	}
	return err
}
