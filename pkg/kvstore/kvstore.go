// Package kvstore persists document updates and per-document metadata.
//
// A document is stored as the ordered list of updates written for it; loading a
// document means replaying them. Metadata is a small key/value map per document
// name used for cursors, permissions and timestamps.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// MetaStore is the metadata half of a Store.
type MetaStore interface {
	// GetMeta returns ErrNotFound when the key has never been set.
	GetMeta(ctx context.Context, name, key string) ([]byte, error)
	SetMeta(ctx context.Context, name, key string, value []byte) error
}

type Store interface {
	MetaStore

	// GetDocument returns the stored updates for name in write order. An unknown
	// document has no updates.
	GetDocument(ctx context.Context, name string) ([][]byte, error)
	StoreUpdate(ctx context.Context, name string, update []byte) error
	// ReplaceDocument atomically swaps every stored update for a single state.
	ReplaceDocument(ctx context.Context, name string, state []byte) error
	// ClearDocument removes the updates and metadata of name.
	ClearDocument(ctx context.Context, name string) error
	Close() error
}

// Open builds a Store from a DSN. Supported forms:
//
//	memory:                     in-memory, lost on exit
//	sqlite:/path/to/db          sqlite file (also file:... or a bare path)
//	postgres://user@host/db     postgres
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store dsn: %w", err)
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file", "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported store scheme %q", ErrInvalidInput, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: missing path in %q", ErrInvalidInput, raw)
	}
	return path, nil
}

// LookupMeta reads metadata, reporting a read miss as ok == false rather than an error.
func LookupMeta(ctx context.Context, store MetaStore, name, key string) ([]byte, bool, error) {
	v, err := store.GetMeta(ctx, name, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
