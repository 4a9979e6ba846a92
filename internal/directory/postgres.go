package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists directory records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rtc_users (
			id TEXT PRIMARY KEY,
			credential TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			gender TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			coins BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS rtc_ledger (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES rtc_users(id),
			delta BIGINT NOT NULL,
			ref TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, ref)
		);`,
		`CREATE TABLE IF NOT EXISTS rtc_call_history (
			id TEXT PRIMARY KEY,
			a_id TEXT NOT NULL,
			b_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rtc_call_history_a ON rtc_call_history (a_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_rtc_call_history_b ON rtc_call_history (b_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) LookupByCredential(ctx context.Context, credential string) (Identity, error) {
	var id Identity
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM rtc_users WHERE credential=$1`, credential,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup credential: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Profile(ctx context.Context, id Identity) (Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT name, avatar, gender, language, location FROM rtc_users WHERE id=$1`, id,
	).Scan(&p.Name, &p.Avatar, &p.Gender, &p.Language, &p.Location)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}
	if p.Avatar == "" {
		p.Avatar = AutoAvatar(p.Name)
	}
	return p, nil
}

func (s *PostgresStore) Balance(ctx context.Context, id Identity) (int64, error) {
	var coins int64
	err := s.pool.QueryRow(ctx,
		`SELECT coins FROM rtc_users WHERE id=$1`, id,
	).Scan(&coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return coins, nil
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, id Identity, delta int64, ref string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin delta tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO rtc_ledger (id, user_id, delta, ref, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, ref) DO NOTHING`,
		uuid.NewString(), id, delta, ref, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already applied under this ref.
		return tx.Commit(ctx)
	}

	tag, err = tx.Exec(ctx,
		`UPDATE rtc_users SET coins = coins + $2 WHERE id=$1 AND coins + $2 >= 0`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rtc_users WHERE id=$1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordHistory(ctx context.Context, rec CallRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rtc_call_history (id, a_id, b_id, mode, started_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		rec.SessionID, rec.A, rec.B, rec.Mode, rec.StartedAt.UTC(), rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
