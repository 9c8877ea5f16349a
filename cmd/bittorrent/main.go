// Command bittorrent is a thin front-end over the core packages: it
// parses argv, wires together a Config, and dispatches to one of the
// subcommands described in spec.md §6.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	bittorrent "github.com/cenkalti/bittorrent-core"
	"github.com/cenkalti/bittorrent-core/internal/bencode"
	"github.com/cenkalti/bittorrent-core/internal/infodownloader"
	"github.com/cenkalti/bittorrent-core/internal/logger"
	"github.com/cenkalti/bittorrent-core/internal/magnet"
	"github.com/cenkalti/bittorrent-core/internal/metainfo"
	"github.com/cenkalti/bittorrent-core/internal/peer"
	"github.com/cenkalti/bittorrent-core/internal/scheduler"
	"github.com/cenkalti/bittorrent-core/internal/tracker"
)

var log = logger.New("main")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	verbosity := os.Getenv("BITTORRENT_LOG_LEVEL")
	cfg, err := bittorrent.LoadConfig(os.Getenv("BITTORRENT_CONFIG"))
	if err != nil {
		fail(err)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	v := fs.Int("v", -1, "log verbosity (0=error,1=info,2=debug)")
	out := fs.String("o", "", "output path")
	fs.Parse(args)

	switch {
	case *v >= 0:
		logger.SetLevel(logger.Level(*v))
	case verbosity != "":
		if n, err := strconv.Atoi(verbosity); err == nil {
			logger.SetLevel(logger.Level(n))
		}
	default:
		logger.SetLevel(logger.LevelInfo)
	}

	rest := fs.Args()
	ctx := context.Background()

	var err2 error
	switch cmd {
	case "decode":
		err2 = cmdDecode(rest)
	case "info":
		err2 = cmdInfo(rest)
	case "peers":
		err2 = cmdPeers(ctx, rest, cfg)
	case "handshake":
		err2 = cmdHandshake(ctx, rest, cfg)
	case "download_piece":
		err2 = cmdDownloadPiece(ctx, rest, *out, cfg)
	case "download":
		err2 = cmdDownload(ctx, rest, *out, cfg)
	case "magnet_parse":
		err2 = cmdMagnetParse(rest)
	case "magnet_handshake":
		err2 = cmdMagnetHandshake(ctx, rest, cfg)
	case "magnet_info":
		err2 = cmdMagnetInfo(ctx, rest, cfg)
	case "magnet_download_piece":
		err2 = cmdMagnetDownloadPiece(ctx, rest, *out, cfg)
	case "magnet_download":
		err2 = cmdMagnetDownload(ctx, rest, *out, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err2 != nil {
		fail(err2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bittorrent <command> [args]")
	fmt.Fprintln(os.Stderr, "commands: decode info peers handshake download_piece download "+
		"magnet_parse magnet_handshake magnet_info magnet_download_piece magnet_download")
}

func fail(err error) {
	log.Errorln(err)
	os.Exit(1)
}

func cmdDecode(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: decode <bencoded-string>")
	}
	v, _, err := bencode.Decode([]byte(args[0]))
	if err != nil {
		return err
	}
	fmt.Println(bencode.ToJSON(v))
	return nil
}

func printInfo(mi *metainfo.MetaInfo) {
	fmt.Println("Tracker URL:", mi.Announce)
	fmt.Println("Length:", mi.Info.Length)
	fmt.Println("Info Hash:", hex.EncodeToString(mi.Info.InfoHash[:]))
	fmt.Println("Piece Length:", mi.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	for i := 0; i < mi.Info.NumPieces(); i++ {
		h := mi.Info.Hashes.At(i)
		fmt.Println(hex.EncodeToString(h[:]))
	}
}

func cmdInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: info <torrent-path>")
	}
	mi, err := metainfo.ReadFile(args[0])
	if err != nil {
		return err
	}
	printInfo(mi)
	return nil
}

// schedulerConfig overlays the root Config's scheduler-relevant
// fields onto scheduler.DefaultConfig.
func schedulerConfig(cfg *bittorrent.Config) scheduler.Config {
	return scheduler.Config{
		MaxSessions:      cfg.MaxSessions,
		BitfieldTimeout:  cfg.BitfieldTimeout,
		ReadyTimeout:     cfg.ReadyTimeout,
		Window:           cfg.Window,
		BlockSize:        cfg.BlockSize,
		BlockTimeout:     cfg.BlockTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
}

// peerDialOpts overlays the root Config's per-session fields onto
// internal/peer's own defaults.
func peerDialOpts(cfg *bittorrent.Config) []peer.Option {
	return []peer.Option{
		peer.WithWindow(cfg.Window),
		peer.WithBlockSize(cfg.BlockSize),
		peer.WithBlockTimeout(cfg.BlockTimeout),
		peer.WithHandshakeTimeout(cfg.HandshakeTimeout),
	}
}

func announceAndList(ctx context.Context, mi *metainfo.MetaInfo, cfg *bittorrent.Config) ([]tracker.PeerEndpoint, error) {
	ourID := bittorrent.NewPeerID(cfg.PeerIDPrefix)
	tr := tracker.NewHTTPWithTimeout(mi.Announce, cfg.TrackerTimeout)
	resp, err := tr.Announce(ctx, tracker.Torrent{
		BytesLeft: mi.Info.Length,
		InfoHash:  mi.Info.InfoHash,
		PeerID:    ourID,
		Port:      6881,
	})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func cmdPeers(ctx context.Context, args []string, cfg *bittorrent.Config) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: peers <torrent-path>")
	}
	mi, err := metainfo.ReadFile(args[0])
	if err != nil {
		return err
	}
	peers, err := announceAndList(ctx, mi, cfg)
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Println(p.String())
	}
	return nil
}

func cmdHandshake(ctx context.Context, args []string, cfg *bittorrent.Config) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: handshake <torrent-path> <ip:port>")
	}
	mi, err := metainfo.ReadFile(args[0])
	if err != nil {
		return err
	}
	ourID := bittorrent.NewPeerID(cfg.PeerIDPrefix)
	pe, err := peer.Dial(ctx, args[1], mi.Info.InfoHash, ourID, false, peerDialOpts(cfg)...)
	if err != nil {
		return err
	}
	defer pe.Close()
	fmt.Println("Peer ID:", hex.EncodeToString(pe.ID[:]))
	return nil
}

func cmdDownloadPiece(ctx context.Context, args []string, out string, cfg *bittorrent.Config) error {
	if len(args) != 2 || out == "" {
		return fmt.Errorf("usage: download_piece -o <outpath> <torrent-path> <piece-index>")
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad piece index: %w", err)
	}
	mi, err := metainfo.ReadFile(args[0])
	if err != nil {
		return err
	}
	peers, err := announceAndList(ctx, mi, cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(mi.Info, bittorrent.NewPeerID(cfg.PeerIDPrefix), schedulerConfig(cfg))
	return sched.DownloadPiece(ctx, addrStrings(peers), index, out)
}

func cmdDownload(ctx context.Context, args []string, out string, cfg *bittorrent.Config) error {
	if len(args) != 1 || out == "" {
		return fmt.Errorf("usage: download -o <outpath> <torrent-path>")
	}
	mi, err := metainfo.ReadFile(args[0])
	if err != nil {
		return err
	}
	peers, err := announceAndList(ctx, mi, cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(mi.Info, bittorrent.NewPeerID(cfg.PeerIDPrefix), schedulerConfig(cfg))
	return sched.Download(ctx, addrStrings(peers), out)
}

func cmdMagnetParse(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_parse <magnet-uri>")
	}
	d, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	fmt.Println("Tracker URL:", firstOrEmpty(d.Trackers))
	fmt.Println("Info Hash:", hex.EncodeToString(d.InfoHash[:]))
	return nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func magnetAnnounce(ctx context.Context, d *magnet.Descriptor, cfg *bittorrent.Config) ([]tracker.PeerEndpoint, error) {
	ourID := bittorrent.NewPeerID(cfg.PeerIDPrefix)
	var lastErr error
	for _, url := range d.Trackers {
		tr := tracker.NewHTTPWithTimeout(url, cfg.TrackerTimeout)
		resp, err := tr.Announce(ctx, tracker.Torrent{
			BytesLeft: 1,
			InfoHash:  d.InfoHash,
			PeerID:    ourID,
			Port:      6881,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Peers, nil
	}
	return nil, lastErr
}

func magnetHandshake(ctx context.Context, d *magnet.Descriptor, addr string, cfg *bittorrent.Config) (*peer.Peer, error) {
	ourID := bittorrent.NewPeerID(cfg.PeerIDPrefix)
	pe, err := peer.Dial(ctx, addr, d.InfoHash, ourID, true, peerDialOpts(cfg)...)
	if err != nil {
		return nil, err
	}
	if pe.ExtensionsEnabled {
		if err := pe.SendExtensionHandshake(1, 0); err != nil {
			pe.Close()
			return nil, err
		}
		if err := pe.WaitExtensionHandshake(); err != nil {
			pe.Close()
			return nil, err
		}
	}
	return pe, nil
}

func cmdMagnetHandshake(ctx context.Context, args []string, cfg *bittorrent.Config) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_handshake <magnet-uri>")
	}
	d, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	peers, err := magnetAnnounce(ctx, d, cfg)
	if err != nil || len(peers) == 0 {
		return fmt.Errorf("no peers available: %w", err)
	}
	pe, err := magnetHandshake(ctx, d, peers[0].String(), cfg)
	if err != nil {
		return err
	}
	defer pe.Close()
	fmt.Println("Peer ID:", hex.EncodeToString(pe.ID[:]))
	if id, ok := pe.UTMetadataID(); ok {
		fmt.Println("Peer Metadata Extension ID:", id)
	}
	return nil
}

func fetchMagnetInfo(ctx context.Context, d *magnet.Descriptor, cfg *bittorrent.Config) (*metainfo.MetaInfo, []tracker.PeerEndpoint, error) {
	peers, err := magnetAnnounce(ctx, d, cfg)
	if err != nil || len(peers) == 0 {
		return nil, nil, fmt.Errorf("no peers available: %w", err)
	}
	var lastErr error
	for _, p := range peers {
		pe, err := magnetHandshake(ctx, d, p.String(), cfg)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := infodownloader.Fetch(pe, d.InfoHash)
		pe.Close()
		if err != nil {
			lastErr = err
			continue
		}
		mi, err := metainfoFromRawInfo(d, raw)
		if err != nil {
			lastErr = err
			continue
		}
		return mi, peers, nil
	}
	return nil, nil, lastErr
}

func metainfoFromRawInfo(d *magnet.Descriptor, raw []byte) (*metainfo.MetaInfo, error) {
	info, err := metainfo.DecodeInfo(raw)
	if err != nil {
		return nil, err
	}
	announce := firstOrEmpty(d.Trackers)
	return &metainfo.MetaInfo{Announce: announce, AnnounceList: d.Trackers, Info: info}, nil
}

func cmdMagnetInfo(ctx context.Context, args []string, cfg *bittorrent.Config) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_info <magnet-uri>")
	}
	d, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	mi, _, err := fetchMagnetInfo(ctx, d, cfg)
	if err != nil {
		return err
	}
	printInfo(mi)
	return nil
}

func cmdMagnetDownloadPiece(ctx context.Context, args []string, out string, cfg *bittorrent.Config) error {
	if len(args) != 2 || out == "" {
		return fmt.Errorf("usage: magnet_download_piece -o <outpath> <magnet-uri> <piece-index>")
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad piece index: %w", err)
	}
	d, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	mi, peers, err := fetchMagnetInfo(ctx, d, cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(mi.Info, bittorrent.NewPeerID(cfg.PeerIDPrefix), schedulerConfig(cfg))
	return sched.DownloadPiece(ctx, addrStrings(peers), index, out)
}

func cmdMagnetDownload(ctx context.Context, args []string, out string, cfg *bittorrent.Config) error {
	if len(args) != 1 || out == "" {
		return fmt.Errorf("usage: magnet_download -o <outpath> <magnet-uri>")
	}
	d, err := magnet.Parse(args[0])
	if err != nil {
		return err
	}
	mi, peers, err := fetchMagnetInfo(ctx, d, cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(mi.Info, bittorrent.NewPeerID(cfg.PeerIDPrefix), schedulerConfig(cfg))
	return sched.Download(ctx, addrStrings(peers), out)
}

func addrStrings(peers []tracker.PeerEndpoint) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	return out
}
