package bittorrent

import "github.com/google/uuid"

// NewPeerID builds an Azureus-style 20-byte peer id: an 8-byte client
// prefix (e.g. "-GO0001-") followed by 12 random bytes drawn from a
// fresh UUIDv4, so no two calls in the same process collide any more
// than two UUIDs would.
func NewPeerID(prefix string) [20]byte {
	var id [20]byte
	n := copy(id[:], prefix)
	tail := uuid.New()
	copy(id[n:], tail[:])
	return id
}
