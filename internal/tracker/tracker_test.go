package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnounceDecodesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		peers := string([]byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2})
		w.Write([]byte("d8:intervali1800e5:peers12:" + peers + "e"))
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL)
	resp, err := tr.Announce(context.Background(), Torrent{
		BytesLeft: 100,
		InfoHash:  [20]byte{1, 2, 3},
		PeerID:    [20]byte{4, 5, 6},
		Port:      6881,
	})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "127.0.0.1:6881", resp.Peers[0].String())
	assert.Equal(t, "10.0.0.2:6882", resp.Peers[1].String())
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	tr := NewHTTP(srv.URL)
	_, err := tr.Announce(context.Background(), Torrent{InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 1})
	assert.ErrorIs(t, err, ErrTrackerRejected)
}

func TestAnnounceUnreachable(t *testing.T) {
	tr := NewHTTP("http://127.0.0.1:1")
	_, err := tr.Announce(context.Background(), Torrent{InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 1})
	assert.ErrorIs(t, err, ErrTrackerUnreachable)
}

func TestPercentEncodeRoundsTripsBinary(t *testing.T) {
	hash := [20]byte{0, 1, 2, 0xff, 'A', '-', '_', '.', '~'}
	enc := percentEncode(hash[:])
	assert.Contains(t, enc, "%00%01%02%FF")
	assert.Contains(t, enc, "A-_.~")
}
