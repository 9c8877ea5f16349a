// Package scheduler coordinates peer sessions to fetch every piece of
// a torrent, verifying each before it is written to disk. It owns all
// piece state exclusively; peer sessions communicate results back only
// through return values, per spec.md §5.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/bittorrent-core/internal/logger"
	"github.com/cenkalti/bittorrent-core/internal/metainfo"
	"github.com/cenkalti/bittorrent-core/internal/peer"
	"github.com/cenkalti/bittorrent-core/internal/piece"
	"github.com/rcrowley/go-metrics"
)

// ErrDownloadStalled is returned when no live session holds a pending
// piece and none remains in flight, yet the download is incomplete.
var ErrDownloadStalled = errors.New("download stalled: no viable peer remains")

// MaxSessions is the default bound on concurrently open peer
// connections (spec.md §5), used by DefaultConfig.
const MaxSessions = 50

// BitfieldWaitTimeout is the default bound on how long a freshly
// connected session waits for an initial bitfield/have before being
// treated as having none, used by DefaultConfig.
const BitfieldWaitTimeout = 5 * time.Second

// ReadyTimeout is the default bound on how long a session waits to be
// unchoked after declaring interest, used by DefaultConfig.
const ReadyTimeout = 30 * time.Second

// Config holds the knobs New reads from the root Config: the
// scheduler's own session cap and timeouts, plus the per-session
// values passed down to each peer.Dial.
type Config struct {
	MaxSessions      int
	BitfieldTimeout  time.Duration
	ReadyTimeout     time.Duration
	Window           int
	BlockSize        int
	BlockTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig matches this package's own constants and
// internal/peer's defaults; callers building a Config from the root
// Config overlay their own values on top of this shape.
var DefaultConfig = Config{
	MaxSessions:      MaxSessions,
	BitfieldTimeout:  BitfieldWaitTimeout,
	ReadyTimeout:     ReadyTimeout,
	Window:           peer.Window,
	BlockSize:        0, // 0 defers to internal/peer's own default
	BlockTimeout:     peer.BlockTimeout,
	HandshakeTimeout: peer.HandshakeTimeout,
}

// session is the scheduler's bookkeeping for one live peer connection.
type session struct {
	peer          *peer.Peer
	inFlight      int
	lastUnchoked  time.Time
	dead          bool
}

// Scheduler drives a single-torrent download to completion.
type Scheduler struct {
	info     *metainfo.Info
	table    *piece.Table
	ourID    [20]byte
	cfg      Config
	log      logger.Logger
	download metrics.EWMA
}

// New builds a Scheduler for one torrent's info dictionary. cfg
// supplies the session cap, timeouts, and per-peer window/block-size
// settings; pass DefaultConfig for this package's own defaults.
func New(info *metainfo.Info, ourPeerID [20]byte, cfg Config) *Scheduler {
	return &Scheduler{
		info:     info,
		table:    piece.NewTable(info.Length, info.PieceLength, info.Hashes),
		ourID:    ourPeerID,
		cfg:      cfg,
		log:      logger.New("scheduler"),
		download: metrics.NewEWMA1(),
	}
}

// connectAll dials addrs concurrently (bounded by MaxSessions) and
// keeps those that complete a handshake and are unchoked within the
// ready timeout. Sessions that never send a bitfield are kept with an
// implicit empty bitfield, per spec.md §4.6 step 1.
func (s *Scheduler) connectAll(ctx context.Context, addrs []string, infoHash [20]byte) []*session {
	maxSessions := s.cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = MaxSessions
	}
	if len(addrs) > maxSessions {
		addrs = addrs[:maxSessions]
	}
	bitfieldTimeout := s.cfg.BitfieldTimeout
	if bitfieldTimeout <= 0 {
		bitfieldTimeout = BitfieldWaitTimeout
	}
	readyTimeout := s.cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = ReadyTimeout
	}
	dialOpts := []peer.Option{
		peer.WithWindow(s.cfg.Window),
		peer.WithBlockSize(s.cfg.BlockSize),
		peer.WithBlockTimeout(s.cfg.BlockTimeout),
		peer.WithHandshakeTimeout(s.cfg.HandshakeTimeout),
	}

	results := make(chan *session, len(addrs))
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			pe, err := peer.Dial(ctx, addr, infoHash, s.ourID, false, dialOpts...)
			if err != nil {
				s.log.Debugln("dial failed", addr, err)
				results <- nil
				return
			}
			if err := pe.WaitBitfield(bitfieldTimeout); err != nil {
				s.log.Debugln("bitfield wait failed", addr, err)
				pe.Close()
				results <- nil
				return
			}
			if err := pe.Ready(readyTimeout); err != nil {
				s.log.Debugln("never unchoked", addr, err)
				pe.Close()
				results <- nil
				return
			}
			results <- &session{peer: pe, lastUnchoked: time.Now()}
		}(addr)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var sessions []*session
	for r := range results {
		if r != nil {
			sessions = append(sessions, r)
		}
	}
	return sessions
}

// pickSession selects the session to assign a piece to. Only live
// sessions with no piece in flight whose bitfield has the piece are
// candidates, so a session never fetches two pieces at once; among
// them the most recently unchoked wins. It returns nil when every
// such session is busy.
func pickSession(sessions []*session, pieceIdx int) *session {
	var best *session
	for _, ss := range sessions {
		if ss.dead || ss.inFlight > 0 {
			continue
		}
		if !ss.peer.Bitfield.Has(pieceIdx) {
			continue
		}
		if best == nil {
			best = ss
			continue
		}
		if ss.inFlight < best.inFlight {
			best = ss
		} else if ss.inFlight == best.inFlight && ss.lastUnchoked.After(best.lastUnchoked) {
			best = ss
		}
	}
	return best
}

func lowestPending(t *piece.Table) int {
	for i := range t.Pieces {
		if t.Pieces[i].State == piece.Pending {
			return i
		}
	}
	return -1
}

func anyInFlight(t *piece.Table) bool {
	for i := range t.Pieces {
		if t.Pieces[i].State == piece.InFlight {
			return true
		}
	}
	return false
}

type fetchResult struct {
	ss    *session
	index int
	data  []byte
	err   error
}

// Download fetches every piece of the torrent and writes it to out at
// the right offset, terminating once every piece is Done.
func (s *Scheduler) Download(ctx context.Context, addrs []string, out string) error {
	return s.run(ctx, addrs, out, -1)
}

// DownloadPiece fetches a single piece and writes its bytes verbatim
// to out.
func (s *Scheduler) DownloadPiece(ctx context.Context, addrs []string, index int, out string) error {
	return s.run(ctx, addrs, out, index)
}

// run implements spec.md §4.6's algorithm. If only is >= 0, the
// algorithm is restricted to that single piece index and out is
// written as just that piece's bytes (download_piece semantics);
// otherwise out is the full reconstructed file.
func (s *Scheduler) run(ctx context.Context, addrs []string, out string, only int) error {
	sessions := s.connectAll(ctx, addrs, s.info.InfoHash)
	if len(sessions) == 0 {
		return fmt.Errorf("%w: no peer completed handshake", ErrDownloadStalled)
	}
	defer func() {
		for _, ss := range sessions {
			ss.peer.Close()
		}
	}()

	var f *os.File
	var err error
	if only < 0 {
		f, err = os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
	}

	resultC := make(chan fetchResult)
	target := func() int {
		if only >= 0 {
			return 1
		}
		return len(s.table.Pieces)
	}()
	done := 0

	assign := func() bool {
		assignedAny := false
		for {
			idx := s.nextPieceToAssign(only)
			if idx < 0 {
				break
			}
			ss := pickSession(sessions, idx)
			if ss == nil {
				break
			}
			s.table.Pieces[idx].State = piece.InFlight
			ss.inFlight++
			assignedAny = true
			go func(ss *session, idx int) {
				data, err := ss.peer.FetchPiece(idx, s.table.Pieces[idx].Length, s.table.Pieces[idx].Hash)
				resultC <- fetchResult{ss: ss, index: idx, data: data, err: err}
			}(ss, idx)
		}
		return assignedAny
	}

	assign()

	for done < target {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-resultC:
			res.ss.inFlight--
			if res.err != nil {
				s.log.Debugln("piece", res.index, "failed:", res.err)
				s.table.Pieces[res.index].State = piece.Pending
				if isIOFailure(res.err) {
					res.ss.dead = true
				}
			} else {
				s.table.Pieces[res.index].State = piece.Done
				if only < 0 {
					if _, err := f.WriteAt(res.data, int64(res.index)*s.info.PieceLength); err != nil {
						return err
					}
				} else {
					if err := os.WriteFile(out, res.data, 0o644); err != nil {
						return err
					}
				}
				s.download.Update(int64(len(res.data)))
				done++
			}
			if done < target {
				if !assign() && !anyInFlight(s.table) {
					return fmt.Errorf("%w", ErrDownloadStalled)
				}
			}
		}
	}
	return nil
}

func (s *Scheduler) nextPieceToAssign(only int) int {
	if only >= 0 {
		if s.table.Pieces[only].State == piece.Pending {
			return only
		}
		return -1
	}
	return lowestPending(s.table)
}

func isIOFailure(err error) bool {
	return errors.Is(err, peer.ErrPeerIO)
}

// Stats is a snapshot of download progress.
type Stats struct {
	PiecesDone   int
	PiecesTotal  int
	DownloadEWMA int64 // bytes/second, from rcrowley/go-metrics EWMA Rate()
}

// Progress returns a snapshot of the scheduler's current progress.
func (s *Scheduler) Progress() Stats {
	s.download.Tick()
	done := 0
	for i := range s.table.Pieces {
		if s.table.Pieces[i].State == piece.Done {
			done++
		}
	}
	return Stats{
		PiecesDone:   done,
		PiecesTotal:  len(s.table.Pieces),
		DownloadEWMA: int64(s.download.Rate()),
	}
}

// sortedPendingIndices returns the indices of all Pending pieces in
// ascending order.
func sortedPendingIndices(t *piece.Table) []int {
	var out []int
	for i := range t.Pieces {
		if t.Pieces[i].State == piece.Pending {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}
