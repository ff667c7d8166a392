package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/energy-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Token amounts and energy are stored as NUMERIC for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the journal tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id                 TEXT PRIMARY KEY,
			seq                BIGINT NOT NULL UNIQUE,
			kind               TEXT NOT NULL,
			user_addr          TEXT NOT NULL,
			recipient          TEXT NOT NULL DEFAULT '',
			position_id        BIGINT NOT NULL DEFAULT 0,
			token              TEXT NOT NULL DEFAULT '',
			token_nonce        BIGINT NOT NULL DEFAULT 0,
			amount             NUMERIC(78,0) NOT NULL DEFAULT 0,
			lock_epochs        BIGINT NOT NULL DEFAULT 0,
			epoch              BIGINT NOT NULL,
			result_position_id BIGINT NOT NULL DEFAULT 0,
			penalty            NUMERIC(78,0) NOT NULL DEFAULT 0,
			released           NUMERIC(78,0) NOT NULL DEFAULT 0,
			energy_delta       NUMERIC NOT NULL DEFAULT 0,
			timestamp          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_user ON operations(user_addr)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_recipient ON operations(recipient)`,
		`CREATE TABLE IF NOT EXISTS fee_flushes (
			id           TEXT PRIMARY KEY,
			token        TEXT NOT NULL,
			token_nonce  BIGINT NOT NULL,
			unlock_epoch BIGINT NOT NULL,
			week_id      BIGINT NOT NULL,
			amount       NUMERIC(78,0) NOT NULL,
			epoch        BIGINT NOT NULL,
			timestamp    TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertOperation(ctx context.Context, op *model.Operation) error {
	args := append(opArgs(op), op.Timestamp)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations (`+opColumns+`, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10, $11, $12,
		         $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16)`,
		args...,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: operation %s (seq %d)", ErrDuplicate, op.ID, op.Seq)
	}
	return err
}

const selectOperations = `SELECT id, seq, kind, user_addr, recipient, position_id, token, token_nonce,
	        amount::TEXT, lock_epochs, epoch, result_position_id,
	        penalty::TEXT, released::TEXT, energy_delta::TEXT, timestamp
	 FROM operations`

func (s *PostgresStore) ListOperations(ctx context.Context) ([]model.Operation, error) {
	rows, err := s.pool.Query(ctx, selectOperations+` ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPgOperations(rows)
}

func (s *PostgresStore) ListOperationsByUser(ctx context.Context, user string) ([]model.Operation, error) {
	rows, err := s.pool.Query(ctx,
		selectOperations+` WHERE user_addr = $1 OR recipient = $1 ORDER BY seq`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPgOperations(rows)
}

func (s *PostgresStore) InsertFeeFlush(ctx context.Context, f *model.FeeFlush) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fee_flushes (id, token, token_nonce, unlock_epoch, week_id, amount, epoch, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		append(flushArgs(f), f.Timestamp)...,
	)
	return err
}

func (s *PostgresStore) ListFeeFlushes(ctx context.Context) ([]model.FeeFlush, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, token, token_nonce, unlock_epoch, week_id, amount::TEXT, epoch, timestamp
		 FROM fee_flushes ORDER BY epoch, timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flushes []model.FeeFlush
	for rows.Next() {
		var f model.FeeFlush
		var amount string
		if err := rows.Scan(&f.ID, &f.Token, &f.TokenNonce, &f.UnlockEpoch, &f.WeekID,
			&amount, &f.Epoch, &f.Timestamp); err != nil {
			return nil, err
		}
		if f.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		flushes = append(flushes, f)
	}
	return flushes, rows.Err()
}

// scanPgOperations reads pgx rows, whose timestamp column is TIMESTAMPTZ.
func scanPgOperations(rows rowScanner) ([]model.Operation, error) {
	var ops []model.Operation
	for rows.Next() {
		var r opRow
		var ts time.Time
		if err := rows.Scan(append(r.dest(), &ts)...); err != nil {
			return nil, err
		}
		op, err := r.decode()
		if err != nil {
			return nil, err
		}
		op.Timestamp = ts
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
