package bittorrent

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable knob the scheduler, peer sessions, and
// tracker client read at startup. A zero Config is invalid; build one
// with DefaultConfig or LoadConfig.
type Config struct {
	// PeerIDPrefix is the 8-byte Azureus-style prefix ("-GO0001-")
	// prepended to the random tail of our generated peer id.
	PeerIDPrefix string `yaml:"peer_id_prefix"`

	// Window is the number of outstanding block requests kept in
	// flight per peer session.
	Window int `yaml:"window"`

	// MaxSessions bounds how many peer connections a download keeps
	// open concurrently.
	MaxSessions int `yaml:"max_sessions"`

	// BlockSize is the size, in bytes, of one piece block request.
	BlockSize int `yaml:"block_size"`

	TrackerTimeout   time.Duration `yaml:"tracker_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	BlockTimeout     time.Duration `yaml:"block_timeout"`
	BitfieldTimeout  time.Duration `yaml:"bitfield_timeout"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
}

// DefaultConfig matches spec.md's described constants: 16 KiB blocks,
// a window of 5, and a cap of 50 concurrent peer sessions.
var DefaultConfig = Config{
	PeerIDPrefix:     "-GO0001-",
	Window:           5,
	MaxSessions:      50,
	BlockSize:        16 * 1024,
	TrackerTimeout:   15 * time.Second,
	HandshakeTimeout: 2 * time.Minute,
	BlockTimeout:     30 * time.Second,
	BitfieldTimeout:  5 * time.Second,
	ReadyTimeout:     30 * time.Second,
}

// LoadConfig reads filename as YAML and overlays it onto DefaultConfig.
// A missing file is not an error: the defaults are returned as-is.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
