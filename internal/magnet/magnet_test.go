package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLiteralExample(t *testing.T) {
	raw := "magnet:?xt=urn:btih:c77829d2a77d6516f88cd7a3de1a26abcbfab0db&dn=sample&tr=http://tracker.example/announce"
	d, err := Parse(raw)
	require.NoError(t, err)

	want, err := hex.DecodeString("c77829d2a77d6516f88cd7a3de1a26abcbfab0db")
	require.NoError(t, err)
	assert.Equal(t, want, d.InfoHash[:])
	assert.Equal(t, "sample", d.DisplayName)
	assert.Equal(t, []string{"http://tracker.example/announce"}, d.Trackers)
}

func TestParseMultipleTrackers(t *testing.T) {
	raw := "magnet:?xt=urn:btih:c77829d2a77d6516f88cd7a3de1a26abcbfab0db&tr=http://a.example/ann&tr=http://b.example/ann"
	d, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.example/ann", "http://b.example/ann"}, d.Trackers)
}

func TestParseRejectsMissingXT(t *testing.T) {
	_, err := Parse("magnet:?dn=sample")
	assert.ErrorIs(t, err, ErrMalformedMagnet)
}

func TestParseRejectsNonMagnetScheme(t *testing.T) {
	_, err := Parse("http://example.com")
	assert.ErrorIs(t, err, ErrMalformedMagnet)
}

func TestParseRejectsBadHashLength(t *testing.T) {
	_, err := Parse("magnet:?xt=urn:btih:deadbeef")
	assert.ErrorIs(t, err, ErrMalformedMagnet)
}

func TestParseAcceptsBase32Hash(t *testing.T) {
	// Base32 encoding of the same 20-byte hash as the hex literal above.
	hashBytes, _ := hex.DecodeString("c77829d2a77d6516f88cd7a3de1a26abcbfab0db")
	enc := base32.StdEncoding.EncodeToString(hashBytes)
	d, err := Parse("magnet:?xt=urn:btih:" + enc)
	require.NoError(t, err)
	assert.Equal(t, hashBytes, d.InfoHash[:])
}
