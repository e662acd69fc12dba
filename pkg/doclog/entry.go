package doclog

import (
	"fmt"
	"strings"
)

type Action string

const (
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Kind selects one of the two sequences of a block.
type Kind string

const (
	Thoughts Kind = "thought"
	Lexemes  Kind = "lexeme"
)

var Kinds = []Kind{Thoughts, Lexemes}

// listKey is the name of the sequence in a block document.
func (k Kind) listKey() string {
	if k == Lexemes {
		return "lexemeLog"
	}
	return "thoughtLog"
}

type Entry struct {
	ID     string
	Action Action
}

func Update(id string) Entry { return Entry{ID: id, Action: ActionUpdate} }

func Delete(id string) Entry { return Entry{ID: id, Action: ActionDelete} }

func (e Entry) String() string {
	return string(e.Action) + ":" + e.ID
}

// ParseEntry decodes an entry as stored in a block sequence.
func ParseEntry(raw string) (Entry, error) {
	action, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Entry{}, fmt.Errorf("malformed entry %q", raw)
	}
	switch Action(action) {
	case ActionUpdate, ActionDelete:
		return Entry{ID: id, Action: Action(action)}, nil
	default:
		return Entry{}, fmt.Errorf("unknown action in entry %q", raw)
	}
}

// Delta is a newly observed tail of one sequence. Start is the index of the first
// entry in the sequence. Local is set when the change came from this log's own actor.
type Delta struct {
	BlockID string
	Kind    Kind
	Start   int
	Entries []Entry
	Local   bool
}

// BlockInfo is a block id with the size recorded in the root document.
type BlockInfo struct {
	ID   string
	Size int
}
