// Package metainfo provides a typed view of a decoded .torrent file:
// the announce URL, the info dictionary and the derived info-hash.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/cenkalti/bittorrent-core/internal/bencode"
	"github.com/cenkalti/bittorrent-core/internal/piece"
)

// FileEntry is one file of a multi-file torrent.
type FileEntry struct {
	Length int64
	Path   []string
}

// Info is the typed view of a torrent's "info" dictionary.
type Info struct {
	Name        string
	PieceLength int64
	Length      int64 // total length across all files
	Hashes      piece.Hashes
	Files       []FileEntry // always populated, single entry for single-file torrents
	Private     bool

	// Bytes is the raw source bytes of this info dictionary, exactly as
	// they appeared in the torrent file. InfoHash is SHA1(Bytes).
	Bytes    []byte
	InfoHash [20]byte
}

// NumPieces is a convenience accessor, equal to Hashes.Len().
func (i *Info) NumPieces() int { return i.Hashes.Len() }

// MetaInfo wraps the announce URL, the info dictionary and the
// derived info-hash, plus the ancillary fields real .torrent files
// carry (announce-list, comment, creation date).
type MetaInfo struct {
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate int64
	Info         *Info
}

// ErrMalformedTorrent is wrapped by every decode failure in this package.
var ErrMalformedTorrent = fmt.Errorf("malformed torrent")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrMalformedTorrent}, args...)...)
}

// ReadFile reads and decodes the torrent file at path.
func ReadFile(path string) (*MetaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Decode parses the bencoded bytes of a .torrent file.
func Decode(raw []byte) (*MetaInfo, error) {
	v, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, malformed("%v", err)
	}
	if v.Kind != bencode.KindDict {
		return nil, malformed("outer value is not a dictionary")
	}
	announce, ok := v.GetString("announce")
	if !ok {
		return nil, malformed("missing \"announce\" key")
	}
	infoRaw, err := bencode.SliceInfoDict(raw)
	if err != nil {
		return nil, malformed("%v", err)
	}
	infoVal, _, err := bencode.Decode(infoRaw)
	if err != nil {
		return nil, malformed("bad info dict: %v", err)
	}
	info, err := decodeInfo(infoVal, infoRaw)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{
		Announce: string(announce),
		Info:     info,
	}
	if comment, ok := v.GetString("comment"); ok {
		mi.Comment = string(comment)
	}
	if cb, ok := v.GetString("created by"); ok {
		mi.CreatedBy = string(cb)
	}
	if cd, ok := v.GetInt("creation date"); ok {
		mi.CreationDate = cd
	}
	if al, ok := v.Get("announce-list"); ok && al.Kind == bencode.KindList {
		for _, tier := range al.List {
			if tier.Kind != bencode.KindList {
				continue
			}
			var urls []string
			for _, u := range tier.List {
				if u.Kind == bencode.KindString {
					urls = append(urls, string(u.Str))
				}
			}
			mi.AnnounceList = append(mi.AnnounceList, urls)
		}
	}
	return mi, nil
}

// DecodeInfo parses raw bytes as a bare info dictionary, the form
// delivered by a ut_metadata exchange (spec.md §4.7), rather than a
// full .torrent file wrapping one under an "info" key.
func DecodeInfo(raw []byte) (*Info, error) {
	v, n, err := bencode.Decode(raw)
	if err != nil {
		return nil, malformed("%v", err)
	}
	return decodeInfo(v, raw[:n])
}

func decodeInfo(v bencode.Value, raw []byte) (*Info, error) {
	if v.Kind != bencode.KindDict {
		return nil, malformed("info is not a dictionary")
	}
	name, ok := v.GetString("name")
	if !ok {
		return nil, malformed("info missing \"name\"")
	}
	pieceLength, ok := v.GetInt("piece length")
	if !ok {
		return nil, malformed("info missing \"piece length\"")
	}
	piecesRaw, ok := v.GetString("pieces")
	if !ok {
		return nil, malformed("info missing \"pieces\"")
	}
	hashes, err := piece.NewHashes(piecesRaw)
	if err != nil {
		return nil, malformed("%v", err)
	}

	info := &Info{
		Name:        string(name),
		PieceLength: pieceLength,
		Hashes:      hashes,
		Bytes:       raw,
		InfoHash:    sha1.Sum(raw),
	}
	if priv, ok := v.GetInt("private"); ok && priv == 1 {
		info.Private = true
	}

	if length, ok := v.GetInt("length"); ok {
		// Single-file torrent.
		info.Length = length
		info.Files = []FileEntry{{Length: length, Path: []string{info.Name}}}
		return info, nil
	}

	filesVal, ok := v.Get("files")
	if !ok || filesVal.Kind != bencode.KindList {
		return nil, malformed("info has neither \"length\" nor \"files\"")
	}
	var total int64
	for _, fv := range filesVal.List {
		length, ok := fv.GetInt("length")
		if !ok {
			return nil, malformed("file entry missing \"length\"")
		}
		pathVal, ok := fv.Get("path")
		if !ok || pathVal.Kind != bencode.KindList {
			return nil, malformed("file entry missing \"path\"")
		}
		var segs []string
		for _, p := range pathVal.List {
			if p.Kind != bencode.KindString {
				return nil, malformed("file path segment is not a string")
			}
			segs = append(segs, string(p.Str))
		}
		info.Files = append(info.Files, FileEntry{Length: length, Path: segs})
		total += length
	}
	info.Length = total
	return info, nil
}
