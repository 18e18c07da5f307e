package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/nasa/FEI-sub000/internal/config"
	"github.com/nasa/FEI-sub000/internal/metrics"
	"github.com/nasa/FEI-sub000/internal/txn"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultInitialBackoff    = 200 * time.Millisecond
	defaultMaxBackoff        = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultVerifyAttempts    = 3
	defaultSuppressEpsilon   = time.Second
	quitTimeout              = 2 * time.Second
)

// Config describes one proxy. Addr and Bus are required.
type Config struct {
	Addr     string
	User     string
	Password string
	Version  string

	// Dial opens the transport. TLS or other wrapping happens here; the
	// default is a plain TCP dial.
	Dial func(ctx context.Context, addr string) (net.Conn, error)

	ConnectTimeout time.Duration
	// ReadTimeout bounds silence while waiting for a reply. Zero waits
	// forever. Subscriptions ignore it.
	ReadTimeout time.Duration
	// Heartbeat is the keep-alive interval offered at login; the server's
	// answer wins.
	Heartbeat time.Duration

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	ReconnectAttempts int

	MaxVerifyAttempts int

	// SuppressEpsilon is the window around the query boundary in which a
	// pushed file already present locally counts as a duplicate. Negative
	// selects one second.
	SuppressEpsilon time.Duration
	// BandwidthLimit caps raw transfer in bytes per second. Zero is
	// unlimited.
	BandwidthLimit int64

	Bus     *txn.Bus
	Metrics *metrics.Metrics
}

// ConfigFromSettings fills the tunables of a proxy config from client
// settings.
func ConfigFromSettings(addr string, s config.Settings) Config {
	return Config{
		Addr:            addr,
		User:            s.User,
		Password:        s.Password,
		Version:         s.ProtocolVersion,
		ConnectTimeout:  s.ConnectTimeoutDuration(),
		ReadTimeout:     s.ReadTimeoutDuration(),
		Heartbeat:       s.HeartbeatInterval(),
		SuppressEpsilon: s.SuppressEpsilon(),
		BandwidthLimit:  s.BandwidthLimit,
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("proxy: missing server address")
	}
	if c.Bus == nil {
		return errors.New("proxy: missing result bus")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = config.DefaultProtocolVersion
	}
	if c.Dial == nil {
		c.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.MaxVerifyAttempts <= 0 {
		c.MaxVerifyAttempts = defaultVerifyAttempts
	}
	if c.SuppressEpsilon < 0 {
		c.SuppressEpsilon = defaultSuppressEpsilon
	}
}
