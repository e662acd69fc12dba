package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresInitTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres connects lazily: the first operation opens the pool and creates the tables.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresInitTimeout)
		defer cancel()
		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS thoughtspace_updates (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL,
				data BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS thoughtspace_updates_name_idx ON thoughtspace_updates (name, id)`,
			`CREATE TABLE IF NOT EXISTS thoughtspace_meta (
				name TEXT NOT NULL,
				key TEXT NOT NULL,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (name, key)
			)`,
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = fmt.Errorf("failed to create tables: %w", err)
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) GetDocument(ctx context.Context, name string) ([][]byte, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM thoughtspace_updates WHERE name = $1 ORDER BY id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()
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

func (p *Postgres) StoreUpdate(ctx context.Context, name string, update []byte) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO thoughtspace_updates (name, data) VALUES ($1, $2)`, name, update)
	return err
}

func (p *Postgres) ReplaceDocument(ctx context.Context, name string, state []byte) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM thoughtspace_updates WHERE name = $1`, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO thoughtspace_updates (name, data) VALUES ($1, $2)`, name, state)
		return err
	})
}

func (p *Postgres) ClearDocument(ctx context.Context, name string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM thoughtspace_updates WHERE name = $1`, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM thoughtspace_meta WHERE name = $1`, name)
		return err
	})
}

func (p *Postgres) GetMeta(ctx context.Context, name, key string) ([]byte, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM thoughtspace_meta WHERE name = $1 AND key = $2`, name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	return value, nil
}

func (p *Postgres) SetMeta(ctx context.Context, name, key string, value []byte) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO thoughtspace_meta (name, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, name, key, value)
	return err
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
