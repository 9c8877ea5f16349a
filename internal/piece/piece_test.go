package piece

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHashesRejectsBadLength(t *testing.T) {
	_, err := NewHashes(make([]byte, 19))
	assert.Error(t, err)
}

func TestHashesAtAndLen(t *testing.T) {
	flat := make([]byte, 40)
	flat[20] = 0xAB
	h, err := NewHashes(flat)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Len())
	d := h.At(1)
	assert.Equal(t, byte(0xAB), d[0])
	assert.Equal(t, flat, h.Bytes())
}

func TestNewTableSplitsFinalPieceShort(t *testing.T) {
	hashes, err := NewHashes(make([]byte, 40))
	require.NoError(t, err)
	table := NewTable(30000, 16384, hashes)
	require.Len(t, table.Pieces, 2)
	assert.Equal(t, 16384, table.Pieces[0].Length)
	assert.Equal(t, 30000-16384, table.Pieces[1].Length)
	assert.Len(t, table.Pieces[1].Blocks, 1)
}

func TestVerifyChecksHash(t *testing.T) {
	data := []byte("hello world")
	p := &Piece{Hash: sha1.Sum(data)}
	assert.True(t, Verify(p, data))
	assert.False(t, Verify(p, []byte("wrong")))
}

func TestAllDone(t *testing.T) {
	table := &Table{Pieces: []Piece{{State: Done}, {State: Pending}}}
	assert.False(t, table.AllDone())
	table.Pieces[1].State = Done
	assert.True(t, table.AllDone())
}
