package protocol

import (
	"testing"
	"time"

	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/marmos91/tallyd/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	req, ok := ParseLine("  transfer\t1   2 10  ")
	require.True(t, ok)
	assert.Equal(t, "TRANSFER", req.Keyword)
	assert.Equal(t, []string{"1", "2", "10"}, req.Args)
	assert.Equal(t, "1   2 10", req.Raw)

	req, ok = ParseLine("LIST")
	require.True(t, ok)
	assert.Empty(t, req.Args)

	_, ok = ParseLine("\t ")
	assert.False(t, ok)
}

func TestParseEntitySpec(t *testing.T) {
	tests := []struct {
		raw  string
		want registry.EntitySpec
	}{
		{"Clean Code|Robert C. Martin|2008", registry.EntitySpec{Name: "Clean Code", Attrs: []string{"Robert C. Martin", "2008"}}},
		{"Cuenta corriente | qty=100", registry.EntitySpec{Name: "Cuenta corriente", Quantity: 100, Tracked: true}},
		{"Ibiza", registry.EntitySpec{Name: "Ibiza"}},
		// A lone qty= segment is a name, not a quantity
		{"qty=3", registry.EntitySpec{Name: "qty=3"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseEntitySpec(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseEntitySpec("A|QTY=lots")
	assert.EqualError(t, err, "qty inválido: lots")
}

func TestFormatEntity(t *testing.T) {
	s := registry.Snapshot{ID: 4, Name: `Say "hi"`, Attrs: []string{"x"}, Quantity: 7, Tracked: true}
	assert.Equal(t, `ID=4 | "Say \"hi\"" | x | qty=7 | PRESTADO`, FormatEntity(s))
}

func TestFormatEntry(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "#5 2024-03-01T10:00:00Z TRANSFER ID=1 -> ID=2 qty=30",
		FormatEntry(journal.Entry{Seq: 5, Time: ts, Op: journal.OpTransfer, From: 1, To: 2, Quantity: 30}))
	assert.Equal(t, "#6 2024-03-01T10:00:00Z BORROW ID=3",
		FormatEntry(journal.Entry{Seq: 6, Time: ts, Op: journal.OpBorrow, From: 3}))
}
