// Package tracker implements the one-shot HTTP tracker announce used
// to bootstrap a peer list for a torrent.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"
)

// ErrTrackerUnreachable wraps network-level failures talking to the
// tracker.
var ErrTrackerUnreachable = errors.New("tracker unreachable")

// ErrTrackerRejected wraps a tracker response carrying a failure reason.
var ErrTrackerRejected = errors.New("tracker rejected request")

// Torrent carries the fields the tracker needs to build an announce
// request, named after the teacher's own tracker.Torrent parameter
// struct.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}

// PeerEndpoint is a (IPv4, port) tuple as decoded from a tracker's
// compact peer list.
type PeerEndpoint struct {
	IP   net.IP
	Port uint16
}

func (p PeerEndpoint) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is the parsed result of a successful announce.
type Response struct {
	Interval time.Duration
	Peers    []PeerEndpoint
}

// Tracker announces a torrent and returns a peer list. HTTPTracker is
// the only implementation; the interface exists so the magnet path
// (§4.7) can retry across several tracker URLs uniformly.
type Tracker interface {
	Announce(ctx context.Context, t Torrent) (*Response, error)
}

// HTTPTracker issues the one-shot compact-peer-list announce against
// an HTTP(S) announce URL.
type HTTPTracker struct {
	AnnounceURL string
	Client      *http.Client
}

// defaultTimeout is used when NewHTTPWithTimeout is given a zero
// duration, and by NewHTTP.
const defaultTimeout = 15 * time.Second

// NewHTTP returns a Tracker for announceURL with a default HTTP client
// timeout.
func NewHTTP(announceURL string) *HTTPTracker {
	return NewHTTPWithTimeout(announceURL, defaultTimeout)
}

// NewHTTPWithTimeout returns a Tracker for announceURL whose HTTP
// client uses timeout, the root Config's TrackerTimeout field.
func NewHTTPWithTimeout(announceURL string, timeout time.Duration) *HTTPTracker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPTracker{
		AnnounceURL: announceURL,
		Client:      &http.Client{Timeout: timeout},
	}
}

type wireResponse struct {
	Interval      int64  `bencode:"interval"`
	Peers         string `bencode:"peers"`
	FailureReason string `bencode:"failure reason"`
}

// Announce performs the GET request described in spec.md §4.3.
func (h *HTTPTracker) Announce(ctx context.Context, t Torrent) (*Response, error) {
	u, err := url.Parse(h.AnnounceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad announce url: %v", ErrTrackerUnreachable, err)
	}
	q := u.Query()
	q.Set("port", strconv.Itoa(t.Port))
	q.Set("uploaded", strconv.FormatInt(t.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(t.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(t.BytesLeft, 10))
	q.Set("compact", "1")
	u.RawQuery = q.Encode() + "&info_hash=" + percentEncode(t.InfoHash[:]) + "&peer_id=" + percentEncode(t.PeerID[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, err)
	}

	var wr wireResponse
	if err := bencode.DecodeBytes(body, &wr); err != nil {
		return nil, fmt.Errorf("%w: bad tracker response: %v", ErrTrackerUnreachable, err)
	}
	if wr.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTrackerRejected, wr.FailureReason)
	}
	peers, err := decodeCompactPeers([]byte(wr.Peers))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, err)
	}
	return &Response{
		Interval: time.Duration(wr.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// percentEncode URL-encodes b byte-wise: each byte becomes its literal
// ASCII form when unreserved, else "%XX". Used instead of
// url.QueryEscape because info-hash and peer-id bytes are arbitrary
// binary, not text, and must round-trip byte-for-byte.
func percentEncode(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
		} else {
			out = append(out, '%', hex[c>>4], hex[c&0xf])
		}
	}
	return string(out)
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func decodeCompactPeers(b []byte) ([]PeerEndpoint, error) {
	const size = 6
	if len(b)%size != 0 {
		return nil, fmt.Errorf("compact peer list length %d is not a multiple of %d", len(b), size)
	}
	peers := make([]PeerEndpoint, len(b)/size)
	for i := range peers {
		off := i * size
		ip := make(net.IP, 4)
		copy(ip, b[off:off+4])
		port := uint16(b[off+4])<<8 | uint16(b[off+5])
		peers[i] = PeerEndpoint{IP: ip, Port: port}
	}
	return peers, nil
}
