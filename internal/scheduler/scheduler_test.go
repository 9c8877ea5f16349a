package scheduler

import (
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/bittorrent-core/internal/metainfo"
	"github.com/cenkalti/bittorrent-core/internal/peer"
	"github.com/cenkalti/bittorrent-core/internal/peerprotocol"
	"github.com/cenkalti/bittorrent-core/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSeeder accepts one connection, completes the handshake, sends a
// full bitfield and unchoke, then answers every block request out of
// data in memory.
func stubSeeder(t *testing.T, infoHash [20]byte, numPieces int, data []byte, pieceLength int64) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := peerprotocol.ReadHandshake(conn); err != nil {
			return
		}
		out := &peerprotocol.Handshake{InfoHash: infoHash, PeerID: [20]byte{9}}
		conn.Write(out.Serialize())

		bf := peer.NewBitfield(numPieces)
		for i := 0; i < numPieces; i++ {
			bf.Set(i)
		}
		conn.Write((&peerprotocol.Message{ID: peerprotocol.Bitfield, Payload: bf}).Serialize())
		conn.Write((&peerprotocol.Message{ID: peerprotocol.Unchoke}).Serialize())

		for {
			msg, err := peerprotocol.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg == nil || msg.ID != peerprotocol.Request {
				continue
			}
			index, begin, length, err := parseRequestPayload(msg.Payload)
			if err != nil {
				return
			}
			off := int64(index)*pieceLength + int64(begin)
			block := data[off : off+int64(length)]
			payload := make([]byte, 8+len(block))
			payload[0], payload[1], payload[2], payload[3] = byte(index>>24), byte(index>>16), byte(index>>8), byte(index)
			payload[4], payload[5], payload[6], payload[7] = byte(begin>>24), byte(begin>>16), byte(begin>>8), byte(begin)
			copy(payload[8:], block)
			conn.Write((&peerprotocol.Message{ID: peerprotocol.Piece, Payload: payload}).Serialize())
		}
	}()
	return ln.Addr().String()
}

func parseRequestPayload(p []byte) (index, begin, length uint32, err error) {
	index = uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	begin = uint32(p[4])<<24 | uint32(p[5])<<16 | uint32(p[6])<<8 | uint32(p[7])
	length = uint32(p[8])<<24 | uint32(p[9])<<16 | uint32(p[10])<<8 | uint32(p[11])
	return
}

func fixtureInfo(t *testing.T, pieceLength int64, numPieces int) (*metainfo.Info, []byte) {
	t.Helper()
	data := make([]byte, pieceLength*int64(numPieces))
	for i := range data {
		data[i] = byte(i % 251)
	}
	hashes := make([]byte, 20*numPieces)
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum(data[int64(i)*pieceLength : int64(i+1)*pieceLength])
		copy(hashes[i*20:], h[:])
	}
	ph, err := piece.NewHashes(hashes)
	require.NoError(t, err)
	return &metainfo.Info{
		Name:        "fixture",
		PieceLength: pieceLength,
		Length:      pieceLength * int64(numPieces),
		Hashes:      ph,
		Files:       []metainfo.FileEntry{{Length: pieceLength * int64(numPieces), Path: []string{"fixture"}}},
		InfoHash:    [20]byte{42},
	}, data
}

func TestSchedulerDownloadWritesWholeFile(t *testing.T) {
	const pieceLength = 16 * 1024
	const numPieces = 3
	info, data := fixtureInfo(t, pieceLength, numPieces)
	addr := stubSeeder(t, info.InfoHash, numPieces, data, pieceLength)

	sched := New(info, [20]byte{7}, DefaultConfig)
	out := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := sched.Download(ctx, []string{addr}, out)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSchedulerDownloadPieceWritesOnePiece(t *testing.T) {
	const pieceLength = 16 * 1024
	const numPieces = 2
	info, data := fixtureInfo(t, pieceLength, numPieces)
	addr := stubSeeder(t, info.InfoHash, numPieces, data, pieceLength)

	sched := New(info, [20]byte{7}, DefaultConfig)
	out := filepath.Join(t.TempDir(), "piece1.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := sched.DownloadPiece(ctx, []string{addr}, 1, out)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data[pieceLength:2*pieceLength], got)
}

func TestSchedulerStallsWithNoPeers(t *testing.T) {
	info, _ := fixtureInfo(t, 16*1024, 1)
	sched := New(info, [20]byte{7}, DefaultConfig)
	out := filepath.Join(t.TempDir(), "out.bin")

	err := sched.Download(context.Background(), nil, out)
	assert.ErrorIs(t, err, ErrDownloadStalled)
}
