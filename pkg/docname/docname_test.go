package docname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []Name{
		{Tsid: "S1", Kind: Thought, SubID: "t1"},
		{Tsid: "S1", Kind: Lexeme, SubID: "hello world"},
		{Tsid: "S1", Kind: Permissions},
		{Tsid: "S1", Kind: Doclog},
		{Tsid: "S1", Kind: DoclogBlock, SubID: "01HZX3"},
	}
	for _, tt := range tests {
		t.Run(string(tt.Kind), func(t *testing.T) {
			encoded := Encode(tt.Tsid, tt.Kind, tt.SubID)
			assert.Equal(t, tt, Parse(encoded))
			assert.Equal(t, encoded, tt.String())
		})
	}
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "S1/thought/a", ThoughtDoc("S1", "a"))
	assert.Equal(t, "S1/lexeme/k", LexemeDoc("S1", "k"))
	assert.Equal(t, "S1/permissions", PermissionsDoc("S1"))
	assert.Equal(t, "S1/doclog", DoclogDoc("S1"))
	assert.Equal(t, "S1/doclog/b1", DoclogBlockDoc("S1", "b1"))
}

func TestParseMalformed(t *testing.T) {
	for _, name := range []string{
		"",
		"S1",
		"S1/",
		"/thought/a",
		"S1/thought",
		"S1/unknown/a",
		"S1/permissions/extra",
		"S1/thought/a/b",
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, Unknown, Parse(name).Kind)
			_, err := ParseStrict(name)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}
