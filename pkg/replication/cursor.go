package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/cybersemics/thoughtspace/pkg/doclog"
	"github.com/cybersemics/thoughtspace/pkg/docname"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
)

// CursorsKey is the metadata key, on the doclog document, holding replication cursors.
const CursorsKey = "replicationCursors"

// Cursor holds the last processed index of each sequence of a block. -1 means
// nothing has been processed.
type Cursor struct {
	Thoughts int `json:"thoughts"`
	Lexemes  int `json:"lexemes"`
}

// NoCursor is the cursor of a block nothing has been processed in.
var NoCursor = Cursor{Thoughts: -1, Lexemes: -1}

func (c Cursor) Get(kind doclog.Kind) int {
	if kind == doclog.Lexemes {
		return c.Lexemes
	}
	return c.Thoughts
}

func (c *Cursor) Set(kind doclog.Kind, index int) {
	if kind == doclog.Lexemes {
		c.Lexemes = index
		return
	}
	c.Thoughts = index
}

// Cursors maps block ids to cursors.
type Cursors map[string]Cursor

func (cs Cursors) Get(blockID string) Cursor {
	if c, ok := cs[blockID]; ok {
		return c
	}
	return NoCursor
}

func (cs Cursors) Clone() Cursors {
	return maps.Clone(cs)
}

// LoadCursors reads the persisted cursors of a space. A space without any reads as
// empty.
func LoadCursors(ctx context.Context, store kvstore.MetaStore, tsid string) (Cursors, error) {
	raw, ok, err := kvstore.LookupMeta(ctx, store, docname.DoclogDoc(tsid), CursorsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursors of %s: %w", tsid, err)
	}
	cursors := Cursors{}
	if !ok {
		return cursors, nil
	}
	if err := json.Unmarshal(raw, &cursors); err != nil {
		return nil, fmt.Errorf("failed to decode cursors of %s: %w", tsid, err)
	}
	return cursors, nil
}

func SaveCursors(ctx context.Context, store kvstore.MetaStore, tsid string, cursors Cursors) error {
	raw, err := json.Marshal(cursors)
	if err != nil {
		return err
	}
	if err := store.SetMeta(ctx, docname.DoclogDoc(tsid), CursorsKey, raw); err != nil {
		return fmt.Errorf("failed to store cursors of %s: %w", tsid, err)
	}
	return nil
}
