// Package peer implements one TCP connection to a remote BitTorrent
// peer: handshake, framed message I/O, the BEP-10 extension
// sub-protocol, and the block request pipeline used to fetch a piece.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/bittorrent-core/internal/logger"
	"github.com/cenkalti/bittorrent-core/internal/peerprotocol"
)

// ErrHandshakeRejected is returned when the remote's handshake does
// not match what we expect.
var ErrHandshakeRejected = errors.New("handshake rejected")

// ErrPeerIO wraps any I/O or framing error encountered during a
// session.
var ErrPeerIO = errors.New("peer io error")

// ErrPieceHashMismatch is returned by FetchPiece when the assembled
// piece does not hash to the expected digest.
var ErrPieceHashMismatch = errors.New("piece hash mismatch")

// Window is the default number of outstanding block requests kept
// in flight per session (spec.md §4.5/§5), used when Dial is not
// given a WithWindow option.
const Window = 5

// HandshakeTimeout is the default bound on the initial handshake
// exchange, used when Dial is not given a WithHandshakeTimeout option.
const HandshakeTimeout = 2 * time.Minute

// BlockTimeout is the default bound on waiting for a single block
// response, used when Dial is not given a WithBlockTimeout option.
const BlockTimeout = 30 * time.Second

// defaultBlockSize is the default size of one piece block request,
// used when Dial is not given a WithBlockSize option.
const defaultBlockSize = 16 * 1024

// keepAliveInterval is how long a session may stay silent before a
// keep-alive is sent.
const keepAliveInterval = 2 * time.Minute

// dialOptions collects the tunables a caller may override via Option,
// each defaulting to this package's constants so existing callers
// that pass no options keep today's behavior.
type dialOptions struct {
	window           int
	blockSize        int
	blockTimeout     time.Duration
	handshakeTimeout time.Duration
}

// Option overrides one tunable of a Dial call. The per-session Config
// fields a caller reads (window, block size, block and handshake
// timeouts) are
// threaded in through these, letting internal/scheduler and cmd/bittorrent
// pass the root Config's values down to each session instead of this
// package silently hardcoding them.
type Option func(*dialOptions)

// WithWindow overrides the number of outstanding block requests kept
// in flight per session.
func WithWindow(n int) Option {
	return func(o *dialOptions) {
		if n > 0 {
			o.window = n
		}
	}
}

// WithBlockSize overrides the size, in bytes, of one piece block
// request.
func WithBlockSize(n int) Option {
	return func(o *dialOptions) {
		if n > 0 {
			o.blockSize = n
		}
	}
}

// WithBlockTimeout overrides how long FetchPiece waits for a single
// block response.
func WithBlockTimeout(d time.Duration) Option {
	return func(o *dialOptions) {
		if d > 0 {
			o.blockTimeout = d
		}
	}
}

// WithHandshakeTimeout overrides how long the initial handshake
// exchange is allowed to take.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *dialOptions) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// Peer is one TCP connection to a remote peer, plus its session
// state from spec.md §3.
type Peer struct {
	Addr   string
	ID     [20]byte // remote peer id, filled in after handshake
	conn   net.Conn
	log    logger.Logger
	lastTx time.Time

	Choked            bool // we are choked by remote
	RemoteChoked      bool // remote is choked by us
	Interested        bool
	RemoteInterested  bool
	Bitfield          Bitfield
	ExtensionsEnabled bool
	RemoteExtensions  map[string]int64 // name -> remote's numeric id, from its extension handshake
	LocalUTMetadataID int64
	MetadataSize      int64 // learned from the remote's extension handshake

	window       int
	blockSize    int
	blockTimeout time.Duration
}

// Dial opens a TCP connection to addr and performs the handshake.
// wantExtensions sets the BEP-10 bit in our reserved bytes. opts
// overrides this session's window, block size and timeouts; callers
// that pass none get this package's defaults.
func Dial(ctx context.Context, addr string, infoHash, ourPeerID [20]byte, wantExtensions bool, opts ...Option) (*Peer, error) {
	o := dialOptions{
		window:           Window,
		blockSize:        defaultBlockSize,
		blockTimeout:     BlockTimeout,
		handshakeTimeout: HandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrPeerIO, err)
	}
	p := &Peer{
		Addr:         addr,
		conn:         conn,
		log:          logger.New("peer " + addr),
		Choked:       true,
		RemoteChoked: true,
		window:       o.window,
		blockSize:    o.blockSize,
		blockTimeout: o.blockTimeout,
	}
	if err := p.handshake(infoHash, ourPeerID, wantExtensions, o.handshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *Peer) handshake(infoHash, ourPeerID [20]byte, wantExtensions bool, timeout time.Duration) error {
	p.conn.SetDeadline(time.Now().Add(timeout))
	defer p.conn.SetDeadline(time.Time{})

	out := &peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourPeerID, ExtensionsFlag: wantExtensions}
	if _, err := p.conn.Write(out.Serialize()); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerIO, err)
	}
	in, err := peerprotocol.ReadHandshake(p.conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerIO, err)
	}
	if in.InfoHash != infoHash {
		return fmt.Errorf("%w: info-hash mismatch", ErrHandshakeRejected)
	}
	p.ID = in.PeerID
	p.ExtensionsEnabled = wantExtensions && in.ExtensionsFlag
	p.touch()
	return nil
}

// Close releases the underlying socket.
func (p *Peer) Close() error {
	return p.conn.Close()
}

func (p *Peer) touch() { p.lastTx = time.Now() }

// SendMessage writes a single framed message, sending a keep-alive
// first if the connection has been silent for longer than
// keepAliveInterval.
func (p *Peer) SendMessage(msg *peerprotocol.Message) error {
	if time.Since(p.lastTx) > keepAliveInterval {
		if _, err := p.conn.Write((*peerprotocol.Message)(nil).Serialize()); err != nil {
			return fmt.Errorf("%w: %v", ErrPeerIO, err)
		}
	}
	if _, err := p.conn.Write(msg.Serialize()); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerIO, err)
	}
	p.touch()
	return nil
}

// ReadMessage reads the next framed message, applying deadline as the
// read timeout. A nil message with nil error means a keep-alive was
// received.
func (p *Peer) ReadMessage(deadline time.Duration) (*peerprotocol.Message, error) {
	p.conn.SetReadDeadline(time.Now().Add(deadline))
	defer p.conn.SetReadDeadline(time.Time{})
	msg, err := peerprotocol.ReadMessage(p.conn)
	if err != nil {
		// Wrap both so callers can test for ErrPeerIO and for a
		// net.Error timeout (see isTimeout).
		return nil, fmt.Errorf("%w: %w", ErrPeerIO, err)
	}
	return msg, nil
}

// SendInterested sends an "interested" message and records our state.
func (p *Peer) SendInterested() error {
	p.Interested = true
	return p.SendMessage(&peerprotocol.Message{ID: peerprotocol.Interested})
}

// SendUnchoke sends an "unchoke" message and records our state.
func (p *Peer) SendUnchoke() error {
	p.RemoteChoked = false
	return p.SendMessage(&peerprotocol.Message{ID: peerprotocol.Unchoke})
}

// SendHave announces that we now have piece index.
func (p *Peer) SendHave(index int) error {
	return p.SendMessage(peerprotocol.FormatHave(uint32(index)))
}

// SendExtensionHandshake sends the ext_id=0 BEP-10 handshake
// advertising our local ut_metadata id.
func (p *Peer) SendExtensionHandshake(localUTMetadataID int64, metadataSize int64) error {
	p.LocalUTMetadataID = localUTMetadataID
	payload := peerprotocol.EncodeExtensionHandshake(localUTMetadataID, metadataSize)
	msg := &peerprotocol.Message{
		ID:      peerprotocol.Extended,
		Payload: append([]byte{peerprotocol.ExtensionHandshakeID}, payload...),
	}
	return p.SendMessage(msg)
}

// WaitExtensionHandshake blocks (applying BlockTimeout per read) until
// the remote's ext_id=0 handshake arrives, recording its ut_metadata
// id and metadata size. Messages unrelated to the handshake are
// processed with handleIncidental and discarded.
func (p *Peer) WaitExtensionHandshake() error {
	for {
		msg, err := p.ReadMessage(p.blockTimeout)
		if err != nil {
			return err
		}
		if msg == nil {
			continue // keep-alive
		}
		if msg.ID != peerprotocol.Extended {
			p.handleIncidental(msg)
			continue
		}
		if len(msg.Payload) == 0 {
			return fmt.Errorf("%w: empty extended message", ErrPeerIO)
		}
		extID := msg.Payload[0]
		if extID != peerprotocol.ExtensionHandshakeID {
			continue
		}
		eh, err := peerprotocol.DecodeExtensionHandshake(msg.Payload[1:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPeerIO, err)
		}
		p.RemoteExtensions = eh.M
		p.MetadataSize = eh.MetadataSize
		return nil
	}
}

// UTMetadataID returns the remote's advertised numeric id for
// ut_metadata, if it announced one.
func (p *Peer) UTMetadataID() (int64, bool) {
	id, ok := p.RemoteExtensions[peerprotocol.UTMetadataName]
	return id, ok
}

func (p *Peer) handleIncidental(msg *peerprotocol.Message) {
	switch msg.ID {
	case peerprotocol.Choke:
		p.Choked = true
	case peerprotocol.Unchoke:
		p.Choked = false
	case peerprotocol.Bitfield:
		p.Bitfield = append(Bitfield(nil), msg.Payload...)
	case peerprotocol.Have:
		if idx, err := peerprotocol.ParseHave(msg); err == nil {
			p.Bitfield.Set(int(idx))
		}
	case peerprotocol.Interested:
		p.RemoteInterested = true
	case peerprotocol.NotInterested:
		p.RemoteInterested = false
	}
}

// WaitBitfield blocks until the remote's bitfield message (or its
// first "have", accumulated into an implicit bitfield per spec.md §9)
// arrives, or another handshake-adjacent message settles the
// question. Many peers send nothing at all when they have no pieces;
// a read timeout here is treated as "empty bitfield", not an error.
func (p *Peer) WaitBitfield(timeout time.Duration) error {
	msg, err := p.ReadMessage(timeout)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return err
	}
	if msg == nil {
		return nil
	}
	switch msg.ID {
	case peerprotocol.Bitfield:
		p.Bitfield = append(Bitfield(nil), msg.Payload...)
	case peerprotocol.Have:
		idx, err := peerprotocol.ParseHave(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPeerIO, err)
		}
		p.Bitfield.Set(int(idx))
	default:
		p.handleIncidental(msg)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Ready sends "interested" and blocks (up to timeout) until the remote
// unchokes us, per the wait_unchoke state in spec.md §4.5's state
// machine. Messages observed in the meantime are applied via
// handleIncidental so have/choke/bitfield updates are not lost.
func (p *Peer) Ready(timeout time.Duration) error {
	if err := p.SendInterested(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := p.ReadMessage(time.Until(deadline))
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("%w: timed out waiting for unchoke", ErrPeerIO)
			}
			return err
		}
		if msg == nil {
			continue
		}
		if msg.ID == peerprotocol.Unchoke {
			p.Choked = false
			return nil
		}
		p.handleIncidental(msg)
	}
	return fmt.Errorf("%w: timed out waiting for unchoke", ErrPeerIO)
}

// pendingBlock is one block of a piece being fetched by FetchPiece.
type pendingBlock struct {
	begin     uint32
	length    uint32
	requested bool
	received  bool
}

// FetchPiece downloads one piece by pipelining up to Window
// outstanding block requests, per spec.md §4.5 "Block request
// pipeline". It blocks until the piece is fully received and
// hash-verified, or an error occurs.
func (p *Peer) FetchPiece(index int, length int, expectedHash [20]byte) ([]byte, error) {
	blocks := blockPlan(length, p.blockSize)
	buf := make([]byte, length)
	outstanding := 0
	receivedCount := 0

	for receivedCount < len(blocks) {
		if !p.Choked {
			for i := range blocks {
				if outstanding >= p.window {
					break
				}
				if blocks[i].requested || blocks[i].received {
					continue
				}
				req := peerprotocol.FormatRequest(uint32(index), blocks[i].begin, blocks[i].length)
				if err := p.SendMessage(req); err != nil {
					return nil, err
				}
				blocks[i].requested = true
				outstanding++
			}
		}

		msg, err := p.ReadMessage(p.blockTimeout)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // keep-alive
		}
		switch msg.ID {
		case peerprotocol.Piece:
			gotIndex, begin, data, err := peerprotocol.ParsePiece(msg)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPeerIO, err)
			}
			if int(gotIndex) != index {
				continue // stray piece from a previous request, ignore
			}
			bi := blockIndexAt(blocks, begin)
			if bi < 0 || int(begin)+len(data) > length {
				return nil, fmt.Errorf("%w: block out of bounds", ErrPeerIO)
			}
			if blocks[bi].received {
				continue // duplicate, ignore
			}
			copy(buf[begin:], data)
			blocks[bi].received = true
			receivedCount++
			outstanding--
		case peerprotocol.Choke:
			p.Choked = true
			outstanding = 0
			for i := range blocks {
				blocks[i].requested = false
			}
		case peerprotocol.Unchoke:
			p.Choked = false
		case peerprotocol.Have:
			if idx, err := peerprotocol.ParseHave(msg); err == nil {
				p.Bitfield.Set(int(idx))
			}
		default:
			p.handleIncidental(msg)
		}
	}

	if sha1.Sum(buf) != expectedHash {
		return nil, ErrPieceHashMismatch
	}
	return buf, nil
}

func blockIndexAt(blocks []pendingBlock, begin uint32) int {
	for i := range blocks {
		if blocks[i].begin == begin {
			return i
		}
	}
	return -1
}

func blockPlan(length int, blockSize int) []pendingBlock {
	var blocks []pendingBlock
	for begin := 0; begin < length; begin += blockSize {
		n := blockSize
		if length-begin < n {
			n = length - begin
		}
		blocks = append(blocks, pendingBlock{begin: uint32(begin), length: uint32(n)})
	}
	return blocks
}
