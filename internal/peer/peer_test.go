package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/bittorrent-core/internal/peerprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubServer accepts exactly one connection, completes a handshake,
// then hands the raw net.Conn to serve for further scripted behavior.
func stubServer(t *testing.T, infoHash, peerID [20]byte, serve func(net.Conn)) string {
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
		out := &peerprotocol.Handshake{InfoHash: infoHash, PeerID: peerID}
		conn.Write(out.Serialize())
		serve(conn)
	}()
	return ln.Addr().String()
}

func TestDialHandshake(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	remoteID := [20]byte{9, 9, 9}
	addr := stubServer(t, infoHash, remoteID, func(conn net.Conn) {
		time.Sleep(50 * time.Millisecond)
	})

	ourID := [20]byte{4, 5, 6}
	pe, err := Dial(context.Background(), addr, infoHash, ourID, false)
	require.NoError(t, err)
	defer pe.Close()
	assert.Equal(t, remoteID, pe.ID)
}

func TestDialHandshakeRejectsWrongInfoHash(t *testing.T) {
	infoHash := [20]byte{1}
	wrongHash := [20]byte{2}
	addr := stubServer(t, wrongHash, [20]byte{9}, func(conn net.Conn) {})

	_, err := Dial(context.Background(), addr, infoHash, [20]byte{3}, false)
	assert.ErrorIs(t, err, ErrHandshakeRejected)
}

// serveOnePiece writes unchoke then answers every "request" message
// for the given piece index with the corresponding slice of data,
// optionally flipping one byte to simulate corruption.
func serveOnePiece(t *testing.T, data []byte, corrupt bool) func(net.Conn) {
	return func(conn net.Conn) {
		unchoke := &peerprotocol.Message{ID: peerprotocol.Unchoke}
		conn.Write(unchoke.Serialize())

		served := data
		if corrupt {
			served = append([]byte(nil), data...)
			served[0] ^= 0xFF
		}

		for {
			msg, err := peerprotocol.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg == nil {
				continue
			}
			if msg.ID != peerprotocol.Request {
				continue
			}
			index, begin, length, err := parseRequest(msg)
			if err != nil {
				return
			}
			_ = index
			block := served[begin : begin+length]
			payload := make([]byte, 8+len(block))
			payload[3] = 0 // index 0
			payload[4] = byte(begin >> 24)
			payload[5] = byte(begin >> 16)
			payload[6] = byte(begin >> 8)
			payload[7] = byte(begin)
			copy(payload[8:], block)
			pieceMsg := &peerprotocol.Message{ID: peerprotocol.Piece, Payload: payload}
			conn.Write(pieceMsg.Serialize())
		}
	}
}

func parseRequest(msg *peerprotocol.Message) (index, begin, length uint32, err error) {
	p := msg.Payload
	index = uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	begin = uint32(p[4])<<24 | uint32(p[5])<<16 | uint32(p[6])<<8 | uint32(p[7])
	length = uint32(p[8])<<24 | uint32(p[9])<<16 | uint32(p[10])<<8 | uint32(p[11])
	return
}

func TestFetchPieceSucceeds(t *testing.T) {
	data := make([]byte, 32*1024+100)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	infoHash := [20]byte{1}
	addr := stubServer(t, infoHash, [20]byte{9}, serveOnePiece(t, data, false))

	pe, err := Dial(context.Background(), addr, infoHash, [20]byte{2}, false)
	require.NoError(t, err)
	defer pe.Close()

	require.NoError(t, pe.Ready(2*time.Second))

	got, err := pe.FetchPiece(0, len(data), hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchPieceDetectsHashMismatch(t *testing.T) {
	data := make([]byte, 16*1024)
	hash := sha1.Sum(data)

	infoHash := [20]byte{1}
	addr := stubServer(t, infoHash, [20]byte{9}, serveOnePiece(t, data, true))

	pe, err := Dial(context.Background(), addr, infoHash, [20]byte{2}, false)
	require.NoError(t, err)
	defer pe.Close()

	require.NoError(t, pe.Ready(2*time.Second))

	_, err = pe.FetchPiece(0, len(data), hash)
	assert.ErrorIs(t, err, ErrPieceHashMismatch)
}

func TestWaitBitfieldAcceptsTimeoutAsEmpty(t *testing.T) {
	infoHash := [20]byte{1}
	addr := stubServer(t, infoHash, [20]byte{9}, func(conn net.Conn) {
		time.Sleep(200 * time.Millisecond)
	})

	pe, err := Dial(context.Background(), addr, infoHash, [20]byte{2}, false)
	require.NoError(t, err)
	defer pe.Close()

	err = pe.WaitBitfield(50 * time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitBitfieldStoresBitfieldMessage(t *testing.T) {
	infoHash := [20]byte{1}
	addr := stubServer(t, infoHash, [20]byte{9}, func(conn net.Conn) {
		bf := &peerprotocol.Message{ID: peerprotocol.Bitfield, Payload: []byte{0b10000000}}
		conn.Write(bf.Serialize())
		time.Sleep(50 * time.Millisecond)
	})

	pe, err := Dial(context.Background(), addr, infoHash, [20]byte{2}, false)
	require.NoError(t, err)
	defer pe.Close()

	require.NoError(t, pe.WaitBitfield(time.Second))
	assert.True(t, pe.Bitfield.Has(0))
	assert.False(t, pe.Bitfield.Has(1))
}
