package peerprotocol

import (
	"bytes"
	"fmt"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the fixed on-wire length of a handshake record.
const HandshakeLen = 49 + len(protocolString)

// extensionBit is the bit within reserved[5] that signals BEP-10
// extension protocol support (reserved[5] |= 0x10).
const extensionBit = 0x10

// Handshake is the fixed-layout record exchanged once at session
// start, before any framed message.
type Handshake struct {
	InfoHash       [20]byte
	PeerID         [20]byte
	ExtensionsFlag bool // BEP-10 support, reserved[5] bit 0x10
}

// Serialize encodes the handshake into its 68-byte wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolString))
	copy(buf[1:], protocolString)
	if h.ExtensionsFlag {
		buf[1+len(protocolString)+5] |= extensionBit
	}
	copy(buf[1+len(protocolString)+8:], h.InfoHash[:])
	copy(buf[1+len(protocolString)+28:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a 68-byte handshake record from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) {
		return nil, fmt.Errorf("unexpected protocol string length %d", pstrlen)
	}
	if !bytes.Equal(buf[1:1+pstrlen], []byte(protocolString)) {
		return nil, fmt.Errorf("unexpected protocol string %q", buf[1:1+pstrlen])
	}
	h := &Handshake{}
	reserved := buf[1+pstrlen : 1+pstrlen+8]
	h.ExtensionsFlag = reserved[5]&extensionBit != 0
	copy(h.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+28])
	copy(h.PeerID[:], buf[1+pstrlen+28:1+pstrlen+48])
	return h, nil
}
