// Package generation hands out cancel tokens where starting a new generation
// cancels the previous one.
package generation

import "sync/atomic"

// Token belongs to one generation of a Source.
type Token struct {
	src *Source
	gen uint64
}

// Canceled reports whether a later generation has started since the token was issued.
func (t Token) Canceled() bool {
	if t.src == nil {
		return true
	}
	return t.src.current.Load() != t.gen
}

func (t Token) Generation() uint64 { return t.gen }

type Source struct {
	current atomic.Uint64
}

// Next starts a new generation and returns its token. Every earlier token reports
// Canceled from now on.
func (s *Source) Next() Token {
	return Token{src: s, gen: s.current.Add(1)}
}

// Cancel invalidates the current token without handing out a new one.
func (s *Source) Cancel() {
	s.current.Add(1)
}
