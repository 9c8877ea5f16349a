package peerprotocol

import (
	"fmt"

	"github.com/cenkalti/bittorrent-core/internal/bencode"
)

// ExtensionHandshakeID is the reserved ext_id for the extension
// handshake message itself (BEP-10).
const ExtensionHandshakeID = 0

// UTMetadataName is the extension name advertised in the "m"
// dictionary of the extension handshake for the ut_metadata
// sub-protocol.
const UTMetadataName = "ut_metadata"

// ExtensionHandshake is the bencoded payload of the ext_id=0 message
// sent immediately after a handshake with the extension bit set.
type ExtensionHandshake struct {
	// M maps extension name to the numeric id the sender uses for it.
	M            map[string]int64
	MetadataSize int64 // 0 if the sender doesn't have metadata yet
}

// EncodeExtensionHandshake bencodes an extension handshake advertising
// localUTMetadataID for ut_metadata, and metadataSize if known.
func EncodeExtensionHandshake(localUTMetadataID int64, metadataSize int64) []byte {
	mEntries := []bencode.DictEntry{
		{Key: []byte(UTMetadataName), Value: bencode.Value{Kind: bencode.KindInt, Int: localUTMetadataID}},
	}
	dict := []bencode.DictEntry{
		{Key: []byte("m"), Value: bencode.Value{Kind: bencode.KindDict, Dict: mEntries}},
	}
	if metadataSize > 0 {
		dict = append(dict, bencode.DictEntry{
			Key:   []byte("metadata_size"),
			Value: bencode.Value{Kind: bencode.KindInt, Int: metadataSize},
		})
	}
	return bencode.Encode(bencode.Value{Kind: bencode.KindDict, Dict: dict})
}

// DecodeExtensionHandshake parses the bencoded payload of an ext_id=0
// message.
func DecodeExtensionHandshake(payload []byte) (*ExtensionHandshake, error) {
	v, _, err := bencode.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("bad extension handshake: %w", err)
	}
	mVal, ok := v.Get("m")
	if !ok || mVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("extension handshake missing \"m\" dictionary")
	}
	eh := &ExtensionHandshake{M: make(map[string]int64, len(mVal.Dict))}
	for _, e := range mVal.Dict {
		if e.Value.Kind == bencode.KindInt {
			eh.M[string(e.Key)] = e.Value.Int
		}
	}
	if size, ok := v.GetInt("metadata_size"); ok {
		eh.MetadataSize = size
	}
	return eh, nil
}

// MetadataMessageType enumerates the ut_metadata sub-protocol's three
// message kinds.
type MetadataMessageType int64

const (
	MetadataRequest MetadataMessageType = 0
	MetadataData    MetadataMessageType = 1
	MetadataReject  MetadataMessageType = 2
)

// EncodeMetadataRequest builds the bencoded header for a ut_metadata
// "request" message for metadata piece index.
func EncodeMetadataRequest(piece int64) []byte {
	dict := []bencode.DictEntry{
		{Key: []byte("msg_type"), Value: bencode.Value{Kind: bencode.KindInt, Int: int64(MetadataRequest)}},
		{Key: []byte("piece"), Value: bencode.Value{Kind: bencode.KindInt, Int: piece}},
	}
	return bencode.Encode(bencode.Value{Kind: bencode.KindDict, Dict: dict})
}

// EncodeMetadataData builds the bencoded header for a ut_metadata
// "data" message; the raw metadata slice follows immediately after in
// the extended message's payload.
func EncodeMetadataData(piece int64, totalSize int64) []byte {
	dict := []bencode.DictEntry{
		{Key: []byte("msg_type"), Value: bencode.Value{Kind: bencode.KindInt, Int: int64(MetadataData)}},
		{Key: []byte("piece"), Value: bencode.Value{Kind: bencode.KindInt, Int: piece}},
		{Key: []byte("total_size"), Value: bencode.Value{Kind: bencode.KindInt, Int: totalSize}},
	}
	return bencode.Encode(bencode.Value{Kind: bencode.KindDict, Dict: dict})
}

// MetadataMessage is the parsed form of a ut_metadata sub-protocol
// message: the bencoded header plus, for "data" messages, the raw
// metadata bytes that follow it in the same extended payload.
type MetadataMessage struct {
	Type  MetadataMessageType
	Piece int64
	Data  []byte // only set for MetadataData
}

// DecodeMetadataMessage splits an extended message payload (after the
// ext_id byte has already been consumed) into its bencoded header and
// trailing raw bytes, per spec.md §4.5.
func DecodeMetadataMessage(payload []byte) (*MetadataMessage, error) {
	v, n, err := bencode.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("bad ut_metadata message: %w", err)
	}
	msgType, ok := v.GetInt("msg_type")
	if !ok {
		return nil, fmt.Errorf("ut_metadata message missing \"msg_type\"")
	}
	piece, ok := v.GetInt("piece")
	if !ok {
		return nil, fmt.Errorf("ut_metadata message missing \"piece\"")
	}
	m := &MetadataMessage{Type: MetadataMessageType(msgType), Piece: piece}
	if m.Type == MetadataData {
		m.Data = payload[n:]
	}
	return m, nil
}
