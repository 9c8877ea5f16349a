// Package magnet parses "magnet:?..." URIs into a magnet descriptor:
// info-hash, optional display name, and tracker list.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedMagnet is wrapped by every parse failure in this package.
var ErrMalformedMagnet = fmt.Errorf("malformed magnet link")

// Descriptor is the parsed form of a magnet URI.
type Descriptor struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
}

// Parse parses a "magnet:?..." URI per spec.md §4.4.
func Parse(raw string) (*Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMagnet, err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("%w: not a magnet: uri", ErrMalformedMagnet)
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMagnet, err)
	}

	xt := values.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("%w: missing \"xt\" parameter", ErrMalformedMagnet)
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, fmt.Errorf("%w: \"xt\" does not start with %q", ErrMalformedMagnet, prefix)
	}
	hashPart := xt[len(prefix):]
	infoHash, err := decodeInfoHash(hashPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMagnet, err)
	}

	d := &Descriptor{
		InfoHash:    infoHash,
		DisplayName: values.Get("dn"),
		Trackers:    values["tr"],
	}
	return d, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var h [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(strings.ToLower(s))
		if err != nil {
			return h, fmt.Errorf("bad hex info-hash: %v", err)
		}
		copy(h[:], b)
		return h, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, fmt.Errorf("bad base32 info-hash: %v", err)
		}
		copy(h[:], b)
		return h, nil
	default:
		return h, fmt.Errorf("info-hash has unexpected length %d", len(s))
	}
}
