package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/energy-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database, for single
// node deployments without PostgreSQL. Amounts are stored as decimal TEXT and
// timestamps as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite journal opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id                 TEXT PRIMARY KEY,
			seq                INTEGER NOT NULL UNIQUE,
			kind               TEXT NOT NULL,
			user_addr          TEXT NOT NULL,
			recipient          TEXT NOT NULL DEFAULT '',
			position_id        INTEGER NOT NULL DEFAULT 0,
			token              TEXT NOT NULL DEFAULT '',
			token_nonce        INTEGER NOT NULL DEFAULT 0,
			amount             TEXT NOT NULL DEFAULT '0',
			lock_epochs        INTEGER NOT NULL DEFAULT 0,
			epoch              INTEGER NOT NULL,
			result_position_id INTEGER NOT NULL DEFAULT 0,
			penalty            TEXT NOT NULL DEFAULT '0',
			released           TEXT NOT NULL DEFAULT '0',
			energy_delta       TEXT NOT NULL DEFAULT '0',
			timestamp          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_user ON operations(user_addr)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_recipient ON operations(recipient)`,

		`CREATE TABLE IF NOT EXISTS fee_flushes (
			id           TEXT PRIMARY KEY,
			token        TEXT NOT NULL,
			token_nonce  INTEGER NOT NULL,
			unlock_epoch INTEGER NOT NULL,
			week_id      INTEGER NOT NULL,
			amount       TEXT NOT NULL,
			epoch        INTEGER NOT NULL,
			timestamp    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fee_flushes_epoch ON fee_flushes(epoch)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertOperation(ctx context.Context, op *model.Operation) error {
	args := append(opArgs(op), op.Timestamp.UnixNano())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (`+opColumns+`, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: operation %s (seq %d)", ErrDuplicate, op.ID, op.Seq)
	}
	return err
}

const selectSQLiteOperations = `SELECT ` + opColumns + `, timestamp FROM operations`

func (s *SQLiteStore) ListOperations(ctx context.Context) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx, selectSQLiteOperations+` ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLiteOperations(rows)
}

func (s *SQLiteStore) ListOperationsByUser(ctx context.Context, user string) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSQLiteOperations+` WHERE user_addr = ? OR recipient = ? ORDER BY seq`, user, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLiteOperations(rows)
}

func (s *SQLiteStore) InsertFeeFlush(ctx context.Context, f *model.FeeFlush) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fee_flushes (id, token, token_nonce, unlock_epoch, week_id, amount, epoch, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		append(flushArgs(f), f.Timestamp.UnixNano())...,
	)
	return err
}

func (s *SQLiteStore) ListFeeFlushes(ctx context.Context) ([]model.FeeFlush, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token, token_nonce, unlock_epoch, week_id, amount, epoch, timestamp
		 FROM fee_flushes ORDER BY epoch, timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flushes []model.FeeFlush
	for rows.Next() {
		var f model.FeeFlush
		var amount string
		var ts int64
		if err := rows.Scan(&f.ID, &f.Token, &f.TokenNonce, &f.UnlockEpoch, &f.WeekID,
			&amount, &f.Epoch, &ts); err != nil {
			return nil, err
		}
		if f.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		f.Timestamp = time.Unix(0, ts).UTC()
		flushes = append(flushes, f)
	}
	return flushes, rows.Err()
}

func scanSQLiteOperations(rows rowScanner) ([]model.Operation, error) {
	var ops []model.Operation
	for rows.Next() {
		var r opRow
		var ts int64
		if err := rows.Scan(append(r.dest(), &ts)...); err != nil {
			return nil, err
		}
		op, err := r.decode()
		if err != nil {
			return nil, err
		}
		op.Timestamp = time.Unix(0, ts).UTC()
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
