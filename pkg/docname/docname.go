// Package docname encodes and parses the names of thoughtspace documents.
//
// Every document lives under a space id (tsid) and is addressed by a slash
// delimited path:
//
//	<tsid>/thought/<id>
//	<tsid>/lexeme/<key>
//	<tsid>/permissions
//	<tsid>/doclog
//	<tsid>/doclog/<blockId>
package docname

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	Unknown     Kind = ""
	Thought     Kind = "thought"
	Lexeme      Kind = "lexeme"
	Permissions Kind = "permissions"
	Doclog      Kind = "doclog"
	DoclogBlock Kind = "doclog-block"
)

var ErrMalformed = errors.New("malformed document name")

// Name is a parsed document name. Kind is Unknown when the name could not be parsed.
type Name struct {
	Tsid  string
	Kind  Kind
	SubID string
}

func (n Name) String() string {
	return Encode(n.Tsid, n.Kind, n.SubID)
}

// Valid reports whether the name has a recognised kind and the parts that kind requires.
func (n Name) Valid() bool {
	if n.Tsid == "" || strings.Contains(n.Tsid, "/") || strings.Contains(n.SubID, "/") {
		return false
	}
	switch n.Kind {
	case Thought, Lexeme, DoclogBlock:
		return n.SubID != ""
	case Permissions, Doclog:
		return n.SubID == ""
	default:
		return false
	}
}

// Encode returns the document name for the given parts. DoclogBlock is stored
// under the doclog path segment.
func Encode(tsid string, kind Kind, subID string) string {
	segment := string(kind)
	if kind == DoclogBlock {
		segment = string(Doclog)
	}
	name := tsid + "/" + segment
	if subID != "" {
		name += "/" + subID
	}
	return name
}

func ThoughtDoc(tsid, id string) string { return Encode(tsid, Thought, id) }

func LexemeDoc(tsid, key string) string { return Encode(tsid, Lexeme, key) }

func PermissionsDoc(tsid string) string { return Encode(tsid, Permissions, "") }

func DoclogDoc(tsid string) string { return Encode(tsid, Doclog, "") }

func DoclogBlockDoc(tsid, blockID string) string { return Encode(tsid, DoclogBlock, blockID) }

// Parse is the inverse of Encode. It never fails: unrecognised input yields a
// Name whose Kind is Unknown, and callers are expected to log and skip it.
func Parse(name string) Name {
	parts := strings.Split(name, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return Name{Tsid: firstOrEmpty(parts)}
	}
	out := Name{Tsid: parts[0]}
	if len(parts) == 3 {
		out.SubID = parts[2]
	}
	switch Kind(parts[1]) {
	case Thought:
		out.Kind = Thought
	case Lexeme:
		out.Kind = Lexeme
	case Permissions:
		out.Kind = Permissions
	case Doclog:
		out.Kind = Doclog
		if out.SubID != "" {
			out.Kind = DoclogBlock
		}
	}
	if !out.Valid() {
		out.Kind = Unknown
	}
	return out
}

// ParseStrict parses name and returns ErrMalformed if the kind is not recognised.
func ParseStrict(name string) (Name, error) {
	n := Parse(name)
	if n.Kind == Unknown {
		return n, fmt.Errorf("%w: %q", ErrMalformed, name)
	}
	return n, nil
}

func firstOrEmpty(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
