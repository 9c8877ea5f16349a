// Package infodownloader implements the ut_metadata bootstrap used to
// fetch a torrent's info dictionary directly from a peer, for magnet
// links (spec.md §4.7).
package infodownloader

import (
	"crypto/sha1"
	"fmt"

	"github.com/cenkalti/bittorrent-core/internal/peer"
	"github.com/cenkalti/bittorrent-core/internal/peerprotocol"
)

const blockSize = 16 * 1024

// queueLength bounds the number of outstanding ut_metadata requests,
// mirroring the block pipeline window used for regular pieces.
const queueLength = peer.Window

// ErrMetadataHashMismatch is returned when the assembled metadata does
// not hash to the magnet's info-hash.
var ErrMetadataHashMismatch = fmt.Errorf("metadata hash mismatch")

// ErrNoExtensionSupport is returned when the remote never completed a
// BEP-10 extension handshake or never advertised ut_metadata.
var ErrNoExtensionSupport = fmt.Errorf("peer does not support ut_metadata")

type block struct {
	size      uint32
	requested bool
	data      []byte
}

// Fetch retrieves the info dictionary from pe, which must already have
// completed the BEP-10 extension handshake (see peer.WaitExtensionHandshake),
// verifies it against expectedInfoHash, and returns its raw bytes.
func Fetch(pe *peer.Peer, expectedInfoHash [20]byte) ([]byte, error) {
	remoteID, ok := pe.UTMetadataID()
	if !ok {
		return nil, ErrNoExtensionSupport
	}
	if pe.MetadataSize <= 0 {
		return nil, fmt.Errorf("%w: peer did not advertise metadata_size", ErrNoExtensionSupport)
	}

	blocks := makeBlocks(pe.MetadataSize)
	nextToSend := 0
	outstanding := 0
	received := 0

	for received < len(blocks) {
		for outstanding < queueLength && nextToSend < len(blocks) {
			msg := &peerprotocol.Message{
				ID:      peerprotocol.Extended,
				Payload: append([]byte{byte(remoteID)}, peerprotocol.EncodeMetadataRequest(int64(nextToSend))...),
			}
			if err := pe.SendMessage(msg); err != nil {
				return nil, err
			}
			blocks[nextToSend].requested = true
			outstanding++
			nextToSend++
		}

		msg, err := pe.ReadMessage(peer.BlockTimeout)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // keep-alive
		}
		if msg.ID != peerprotocol.Extended || len(msg.Payload) == 0 {
			continue
		}
		mm, err := peerprotocol.DecodeMetadataMessage(msg.Payload[1:])
		if err != nil {
			return nil, err
		}
		switch mm.Type {
		case peerprotocol.MetadataData:
			idx := int(mm.Piece)
			if idx < 0 || idx >= len(blocks) || !blocks[idx].requested || blocks[idx].data != nil {
				continue
			}
			if uint32(len(mm.Data)) != blocks[idx].size {
				return nil, fmt.Errorf("peer sent invalid size for metadata piece %d: got %d want %d", idx, len(mm.Data), blocks[idx].size)
			}
			blocks[idx].data = mm.Data
			outstanding--
			received++
		case peerprotocol.MetadataReject:
			return nil, fmt.Errorf("peer rejected metadata piece %d", mm.Piece)
		}
	}

	out := make([]byte, 0, pe.MetadataSize)
	for _, b := range blocks {
		out = append(out, b.data...)
	}
	if sha1.Sum(out) != expectedInfoHash {
		return nil, ErrMetadataHashMismatch
	}
	return out, nil
}

func makeBlocks(metadataSize int64) []block {
	n := metadataSize / blockSize
	mod := metadataSize % blockSize
	if mod != 0 {
		n++
	}
	blocks := make([]block, n)
	for i := range blocks {
		blocks[i].size = blockSize
	}
	if mod != 0 {
		blocks[len(blocks)-1].size = uint32(mod)
	}
	return blocks
}
