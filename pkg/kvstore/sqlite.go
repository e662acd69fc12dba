package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the sqlite database at path in WAL mode.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLite) init() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS updates (
		id integer primary key autoincrement,
		name text not null,
		data blob not null
		)`,
	); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_updates_name ON updates(name, id)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS meta (
		name text not null,
		key text not null,
		value blob not null,
		primary key (name, key)
		)`,
	); err != nil {
		return err
	}
	slog.Debug("ensured sqlite tables exist")
	return nil
}

func (s *SQLite) GetDocument(ctx context.Context, name string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM updates WHERE name = ? ORDER BY id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	out := make([][]byte, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *SQLite) StoreUpdate(ctx context.Context, name string, update []byte) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO updates (name, data) VALUES (?, ?)`, name, update)
		return err
	})
}

func (s *SQLite) ReplaceDocument(ctx context.Context, name string, state []byte) error {
	return retryOp(defaultRetryConfig, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				slog.Error("failed to rollback", "err", err)
			}
		}()
		if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO updates (name, data) VALUES (?, ?)`, name, state); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLite) ClearDocument(ctx context.Context, name string) error {
	return retryOp(defaultRetryConfig, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				slog.Error("failed to rollback", "err", err)
			}
		}()
		if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE name = ?`, name); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLite) GetMeta(ctx context.Context, name, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = ? AND key = ?`, name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	return value, nil
}

func (s *SQLite) SetMeta(ctx context.Context, name, key string, value []byte) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO meta (name, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(name, key) DO UPDATE SET value = excluded.value`,
			name, key, value,
		)
		return err
	})
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
