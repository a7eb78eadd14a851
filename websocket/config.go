package websocket

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that (un)marshals YAML in Go's duration
// syntax ("10s", "1m30s"), which yaml.v3 does not do for time.Duration
// itself.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("websocket: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LeftoverBytesStrategy controls what happens to bytes the transport read
// ahead of the 101 response during the opening handshake.
type LeftoverBytesStrategy int

const (
	// LeftoverBytesDrop discards any bytes buffered past the handshake
	// response. This is the default.
	LeftoverBytesDrop LeftoverBytesStrategy = iota

	// LeftoverBytesForward feeds buffered bytes into the frame codec as the
	// first read, so nothing the peer sent immediately after the handshake
	// is lost.
	LeftoverBytesForward
)

// AutoPingConfig enables the keep-alive subsystem. A zero value
// (Interval == 0) disables automatic pings.
type AutoPingConfig struct {
	// Interval between automatically emitted pings.
	Interval Duration `yaml:"interval"`

	// Timeout after which an unanswered ping closes the connection with
	// code 1006 (CloseAbnormalClosure).
	Timeout Duration `yaml:"timeout"`
}

func (a AutoPingConfig) enabled() bool {
	return a.Interval > 0
}

// WriteBufferWatermarks configures the back-pressure thresholds exposed via
// Conn.BufferedAmount.
type WriteBufferWatermarks struct {
	// High is the buffered-byte count at which an open uncompressed message
	// writer flushes what it holds as a non-final fragment. Writes do not
	// pause or block on it.
	High int

	// Low must not exceed High (validation rejects it otherwise). Nothing
	// else reads it: writes never wait for the buffer to drain to it.
	Low int
}

// Config declares the tunables shared by Upgrader and Dialer and the
// extension parameters a connection negotiates. All fields are optional;
// NewConfig fills in the documented defaults and rejects out-of-bounds
// values at construction time.
type Config struct {
	// MaxFrameSize bounds a single data frame's payload length. Default 16 KiB.
	MaxFrameSize int `yaml:"max_frame_size"`

	// MinNonFinalFragmentSize rejects continuation frames smaller than this,
	// guarding against adversarial one-byte-per-frame fragmentation. Default 0 (unbounded).
	MinNonFinalFragmentSize int `yaml:"min_non_final_fragment_size"`

	// MaxAccumulatedFrameCount bounds how many frames may compose one
	// fragmented message. Default 0 (unbounded).
	MaxAccumulatedFrameCount int `yaml:"max_accumulated_frame_count"`

	// MaxAccumulatedFrameSize bounds the total payload size of one
	// fragmented message. Default 0 (unbounded).
	MaxAccumulatedFrameSize int `yaml:"max_accumulated_frame_size"`

	// WriteBufferWatermarks configures send back-pressure. Defaults to 32 KiB/64 KiB.
	WriteBufferWatermarks WriteBufferWatermarks `yaml:"write_buffer_watermarks"`

	// ConnectionTimeout bounds the client bootstrap (DNS + TCP connect +
	// handshake) on the dial paths where the Dialer owns the socket (custom
	// dial function, socket options, proxy); Dialer.HandshakeTimeout, when
	// set, replaces it for the handshake. The plain http.Client and HTTP/2
	// dial paths do not apply it. Default 10s.
	ConnectionTimeout Duration `yaml:"connection_timeout"`

	// AutoPing configures the keep-alive subsystem. Disabled by default.
	AutoPing AutoPingConfig `yaml:"auto_ping"`

	// LeftoverBytesStrategy controls handling of transport bytes buffered
	// past the handshake response. Default LeftoverBytesDrop.
	LeftoverBytesStrategy LeftoverBytesStrategy `yaml:"leftover_bytes_strategy"`

	// TLSConfig is used for wss:// dials. The Upgrader does not read it.
	TLSConfig *tls.Config `yaml:"-"`

	// DeviceName binds the outbound socket to a named network interface.
	DeviceName string `yaml:"device_name"`

	// SocketSendBufferSize and SocketRecvBufferSize configure SO_SNDBUF/SO_RCVBUF.
	SocketSendBufferSize int `yaml:"socket_send_buffer_size"`
	SocketRecvBufferSize int `yaml:"socket_recv_buffer_size"`

	// SocketReuseAddress names SO_REUSEADDR. Default false. It is not
	// applied to any socket.
	SocketReuseAddress bool `yaml:"socket_reuse_address"`

	// SocketTCPNoDelay configures TCP_NODELAY. Nil means the default (true).
	SocketTCPNoDelay *bool `yaml:"socket_tcp_nodelay"`

	// ReadBufferSize and WriteBufferSize are defaulted by NewConfig but not
	// read by the Dialer or the Upgrader, which size the per-connection I/O
	// buffers from their own ReadBufferSize and WriteBufferSize fields.
	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	// EnableCompression makes the Upgrader accept the permessage-deflate
	// extension, as Upgrader.EnableCompression does. The Dialer does not
	// read it: it offers the extension only when Dialer.EnableCompression
	// is set.
	EnableCompression bool `yaml:"enable_compression"`

	// Deflate carries the local permessage-deflate preferences. Only
	// consulted when compression is enabled (see EnableCompression).
	Deflate DeflateOptions `yaml:"deflate"`
}

// DeflateOptions carries the local permessage-deflate preferences fed into
// the extension negotiation (RFC 7692, section 7).
type DeflateOptions struct {
	// ServerNoContextTakeover requests/declares that the server side resets
	// its compressor after every message.
	ServerNoContextTakeover bool `yaml:"server_no_context_takeover"`

	// ClientNoContextTakeover requests/declares the same for the client side.
	ClientNoContextTakeover bool `yaml:"client_no_context_takeover"`

	// ServerMaxWindowBits bounds the server-side LZ77 window, in [8,15].
	// Zero leaves the parameter out of the negotiation (protocol default 15).
	ServerMaxWindowBits int `yaml:"server_max_window_bits"`

	// ClientMaxWindowBits bounds the client-side LZ77 window, in [8,15].
	// Zero leaves the parameter out of the negotiation (protocol default 15).
	ClientMaxWindowBits int `yaml:"client_max_window_bits"`

	// MaxDecompressionSize bounds the cumulative inflated byte count of a
	// single message before decoding fails with ErrLimitExceeded. Zero
	// means unbounded.
	MaxDecompressionSize int64 `yaml:"max_decompression_size"`

	// MemoryLevel is the flate memory/level tradeoff knob, in [1,9].
	// Zero means "use the default (8)".
	MemoryLevel int `yaml:"memory_level"`
}

const (
	defaultMaxFrameSize      = 16 * 1024
	defaultConnectionTimeout = 10 * time.Second
	defaultWatermarkHigh     = 64 * 1024
	defaultWatermarkLow      = 32 * 1024
	defaultWindowBits        = 15
	minWindowBits            = 8
	maxWindowBits            = 15
	defaultMemoryLevel       = 8
	minMemoryLevel           = 1
	maxMemoryLevel           = 9
)

// NewConfig returns a Config with the documented defaults applied over the
// given overrides, and rejects out-of-bounds values.
func NewConfig(overrides *Config) (*Config, error) {
	cfg := &Config{}
	if overrides != nil {
		*cfg = *overrides
	}

	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = Duration(defaultConnectionTimeout)
	}
	if cfg.WriteBufferWatermarks.High == 0 {
		cfg.WriteBufferWatermarks.High = defaultWatermarkHigh
	}
	if cfg.WriteBufferWatermarks.Low == 0 {
		cfg.WriteBufferWatermarks.Low = defaultWatermarkLow
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = defaultWriteBufferSize
	}
	if cfg.SocketTCPNoDelay == nil {
		noDelay := true
		cfg.SocketTCPNoDelay = &noDelay
	}
	if cfg.Deflate.MemoryLevel == 0 {
		cfg.Deflate.MemoryLevel = defaultMemoryLevel
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxFrameSize < 0 {
		return fmt.Errorf("websocket: MaxFrameSize must be >= 0: %d", c.MaxFrameSize)
	}
	if c.MinNonFinalFragmentSize < 0 {
		return fmt.Errorf("websocket: MinNonFinalFragmentSize must be >= 0: %d", c.MinNonFinalFragmentSize)
	}
	if c.MaxAccumulatedFrameCount < 0 {
		return fmt.Errorf("websocket: MaxAccumulatedFrameCount must be >= 0: %d", c.MaxAccumulatedFrameCount)
	}
	if c.MaxAccumulatedFrameSize < 0 {
		return fmt.Errorf("websocket: MaxAccumulatedFrameSize must be >= 0: %d", c.MaxAccumulatedFrameSize)
	}
	if c.WriteBufferWatermarks.High < c.WriteBufferWatermarks.Low {
		return fmt.Errorf("websocket: write buffer high watermark (%d) below low watermark (%d)",
			c.WriteBufferWatermarks.High, c.WriteBufferWatermarks.Low)
	}
	if c.AutoPing.enabled() && c.AutoPing.Timeout <= 0 {
		return fmt.Errorf("websocket: AutoPing.Timeout must be > 0 when AutoPing.Interval is set")
	}
	if err := validateWindowBits(c.Deflate.ServerMaxWindowBits); err != nil {
		return err
	}
	if err := validateWindowBits(c.Deflate.ClientMaxWindowBits); err != nil {
		return err
	}
	if c.Deflate.MemoryLevel < minMemoryLevel || c.Deflate.MemoryLevel > maxMemoryLevel {
		return fmt.Errorf("websocket: MemoryLevel must be in [%d,%d]: %d", minMemoryLevel, maxMemoryLevel, c.Deflate.MemoryLevel)
	}
	return nil
}

// tcpNoDelay reports the effective TCP_NODELAY setting; unset means on.
func (c *Config) tcpNoDelay() bool {
	return c.SocketTCPNoDelay == nil || *c.SocketTCPNoDelay
}

func validateWindowBits(bits int) error {
	if bits != 0 && (bits < minWindowBits || bits > maxWindowBits) {
		return fmt.Errorf("%w: window bits must be in [%d,%d]: %d", ErrInvalidParameterValue, minWindowBits, maxWindowBits, bits)
	}
	return nil
}

// LoadConfigFile reads a YAML-encoded Config from path and applies
// NewConfig's defaults/validation over it.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("websocket: read config file: %w", err)
	}

	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("websocket: parse config file: %w", err)
	}

	return NewConfig(&raw)
}

// MarshalYAML renders the config back to YAML, e.g. to persist a config
// built programmatically via NewConfig.
func (c *Config) MarshalYAML() (any, error) {
	type plain Config
	return (*plain)(c), nil
}
