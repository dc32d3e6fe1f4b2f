package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed identity.Store. It owns a single
// relay_identities table, keeping its connection pool tuned the way
// internal/db.Connect tunes the main application's pool.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects to PostgreSQL and ensures the relay_identities
// table exists, mirroring internal/db.Connect's open-ping-pool-tune sequence.
func OpenPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("identity: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("identity: ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_identities (
			token      BYTEA PRIMARY KEY,
			number     TEXT NOT NULL UNIQUE,
			last_seen  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LookupToken(ctx context.Context, token [16]byte) (*Identity, error) {
	var number string
	err := s.db.QueryRowContext(ctx,
		`SELECT number FROM relay_identities WHERE token = $1`, token[:],
	).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: lookup token: %w", err)
	}
	return &Identity{Token: token, Number: number}, nil
}

func (s *PostgresStore) AllocateIdentity(ctx context.Context) (*Identity, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		number, err := newNumber()
		if err != nil {
			return nil, err
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO relay_identities (token, number) VALUES ($1, $2)`,
			token[:], number,
		)
		if err == nil {
			return &Identity{Token: token, Number: number}, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return nil, fmt.Errorf("identity: insert identity: %w", err)
	}
	return nil, ErrExhausted
}

func (s *PostgresStore) UpdateLastSeen(ctx context.Context, token [16]byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_identities SET last_seen = now() WHERE token = $1`, token[:],
	)
	if err != nil {
		return fmt.Errorf("identity: update last_seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: update last_seen: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a unique_violation (23505) from
// lib/pq, the Postgres error class raised when a retried token or number
// collides with an existing row.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
