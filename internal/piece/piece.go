// Package piece models the per-piece/per-block download state that the
// scheduler owns exclusively; peer sessions never mutate it directly.
package piece

import (
	"crypto/sha1"
	"fmt"
)

// BlockSize is the fixed block size requested from peers, except for
// the final block of the final piece which may be shorter.
const BlockSize = 16 * 1024

// HashLen is the length in bytes of one SHA-1 piece digest.
const HashLen = 20

// Hashes is a dense array of 20-byte SHA-1 digests, one per piece. It
// enforces at construction that the flat byte form has a length that
// is a multiple of HashLen.
type Hashes struct {
	flat []byte
}

// NewHashes wraps the flat "pieces" byte string of a torrent's info
// dictionary, validating its length.
func NewHashes(flat []byte) (Hashes, error) {
	if len(flat)%HashLen != 0 {
		return Hashes{}, fmt.Errorf("piece hashes: length %d is not a multiple of %d", len(flat), HashLen)
	}
	return Hashes{flat: flat}, nil
}

// Len returns the number of pieces.
func (h Hashes) Len() int { return len(h.flat) / HashLen }

// At returns the expected SHA-1 digest of piece index.
func (h Hashes) At(index int) [HashLen]byte {
	var d [HashLen]byte
	copy(d[:], h.flat[index*HashLen:(index+1)*HashLen])
	return d
}

// Bytes restores the original flat byte string form.
func (h Hashes) Bytes() []byte { return h.flat }

// State is the download lifecycle of one piece.
type State int

const (
	Pending State = iota
	InFlight
	Done
)

// Block is a fixed-size sub-unit of a piece, the unit of the
// request/response wire protocol.
type Block struct {
	Begin  uint32
	Length uint32
}

// Piece is one hash-identified fragment of the target file.
type Piece struct {
	Index    int
	Length   int
	Hash     [HashLen]byte
	Blocks   []Block
	State    State
	Owner    string // opaque peer identity owning an InFlight piece
}

// blocksFor splits a piece of the given length into BlockSize blocks, the
// final one possibly shorter.
func blocksFor(length int) []Block {
	var blocks []Block
	for begin := 0; begin < length; begin += BlockSize {
		n := BlockSize
		if length-begin < n {
			n = length - begin
		}
		blocks = append(blocks, Block{Begin: uint32(begin), Length: uint32(n)})
	}
	return blocks
}

// Table is the ordered set of pieces for one download, indexed by
// piece index. It is owned exclusively by the scheduler.
type Table struct {
	Pieces []Piece
}

// NewTable builds a piece table from the total content length, the
// nominal piece length and the expected hashes.
func NewTable(totalLength int64, pieceLength int64, hashes Hashes) *Table {
	n := hashes.Len()
	pieces := make([]Piece, n)
	for i := 0; i < n; i++ {
		begin := int64(i) * pieceLength
		end := begin + pieceLength
		if end > totalLength {
			end = totalLength
		}
		length := int(end - begin)
		pieces[i] = Piece{
			Index:  i,
			Length: length,
			Hash:   hashes.At(i),
			Blocks: blocksFor(length),
			State:  Pending,
		}
	}
	return &Table{Pieces: pieces}
}

// Verify reports whether buf hashes to the piece's expected digest.
func Verify(p *Piece, buf []byte) bool {
	sum := sha1.Sum(buf)
	return sum == p.Hash
}

// AllDone reports whether every piece in the table is Done.
func (t *Table) AllDone() bool {
	for i := range t.Pieces {
		if t.Pieces[i].State != Done {
			return false
		}
	}
	return true
}
