// Package client is the entry point for applications. A Client opens file
// type handles against the server groups of an address book and shares one
// proxy per backend address between them.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nasa/FEI-sub000/internal/config"
	"github.com/nasa/FEI-sub000/internal/metrics"
	"github.com/nasa/FEI-sub000/internal/proxy"
	"github.com/nasa/FEI-sub000/internal/restart"
	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/txn"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrAlreadyOpen  = errors.New("file type already open")
	ErrUnknownType  = errors.New("file type not served by group")
	ErrClientClosed = errors.New("client shut down")
	ErrHandleClosed = errors.New("file type handle closed")
)

type Config struct {
	AddressBook *config.AddressBook
	Settings    config.Settings

	// Dial replaces the plain TCP dialer, for TLS or tests.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
	// Registerer receives the client metrics. Nil disables them.
	Registerer prometheus.Registerer
	// WatchAddressBook reloads the address book file when it changes.
	WatchAddressBook bool
}

type handleKey struct {
	group string
	typ   string
}

type Client struct {
	cfg     Config
	bus     *txn.Bus
	metrics *metrics.Metrics
	watcher *config.Watcher[config.Group]

	mu      sync.Mutex
	proxies map[string]*proxy.Proxy
	handles map[handleKey]*Handle
	opening map[handleKey]bool
	caches  map[restart.Key]*restart.Cache
	closed  bool
}

func New(cfg Config) (*Client, error) {
	if cfg.AddressBook == nil {
		return nil, errors.New("client: missing address book")
	}
	if cfg.Settings.SyslogTag != "" {
		if err := syslog.UseSystemLog(cfg.Settings.SyslogTag); err != nil {
			return nil, fmt.Errorf("failed to open system log: %w", err)
		}
	}
	if cfg.Settings.LogLevel != "" {
		syslog.L.SetLevel(cfg.Settings.LogLevel)
	}

	c := &Client{
		cfg:     cfg,
		proxies: make(map[string]*proxy.Proxy),
		handles: make(map[handleKey]*Handle),
		opening: make(map[handleKey]bool),
		caches:  make(map[restart.Key]*restart.Cache),
	}
	if cfg.Registerer != nil {
		c.metrics = metrics.New(cfg.Registerer)
	}
	c.bus = txn.NewBus(c.metrics)

	syslog.L.Debug().
		WithMessage("address book loaded").
		WithField("path", cfg.AddressBook.Path()).
		WithField("groups", cfg.AddressBook.Groups()).
		Write()

	if cfg.WatchAddressBook {
		w, err := cfg.AddressBook.Watch()
		if err != nil {
			return nil, fmt.Errorf("failed to watch address book: %w", err)
		}
		c.watcher = w
	}
	return c, nil
}

// Open returns a handle for (group, type). The servers of the group are
// tried in order; an existing connection to one of them is reused. A
// rejected login is returned as an error wrapping proxy.ErrLoginFailed.
// Dialing happens without holding the client lock.
func (c *Client) Open(ctx context.Context, group, typ string) (*Handle, error) {
	key := handleKey{group, typ}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, ok := c.handles[key]; ok || c.opening[key] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s:%s", ErrAlreadyOpen, group, typ)
	}
	c.opening[key] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.opening, key)
		c.mu.Unlock()
	}()

	servers, err := c.cfg.AddressBook.Servers(group)
	if err != nil {
		return nil, err
	}
	if !c.cfg.AddressBook.HasType(group, typ) {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownType, group, typ)
	}

	p, err := c.acquire(ctx, group, typ, servers)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s:%s: %w", group, typ, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.Release(group, typ)
		return nil, ErrClientClosed
	}
	h := &Handle{c: c, group: group, typ: typ, p: p}
	c.handles[key] = h
	c.mu.Unlock()

	syslog.L.Info().
		WithMessage("file type opened").
		WithFields(map[string]any{"group": group, "type": typ, "addr": p.Addr(), "refs": p.RefCount()}).
		Write()
	return h, nil
}

// shared retains the live proxy already connected to addr, if any.
func (c *Client) shared(addr string) *proxy.Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proxies[addr]; ok {
		if p.Retain() {
			return p
		}
		delete(c.proxies, addr)
	}
	return nil
}

// acquire retains a live proxy for the first reachable server. When another
// Open connected to the same address meanwhile, its proxy wins and the new
// connection is released.
func (c *Client) acquire(ctx context.Context, group, typ string, servers []string) (*proxy.Proxy, error) {
	var errs []error
	for _, addr := range servers {
		if p := c.shared(addr); p != nil {
			return p, nil
		}

		pcfg := proxy.ConfigFromSettings(addr, c.cfg.Settings)
		pcfg.Dial = c.cfg.Dial
		pcfg.Bus = c.bus
		pcfg.Metrics = c.metrics

		p, err := proxy.Dial(ctx, pcfg)
		if err != nil {
			syslog.L.Warn().
				WithMessage("server unavailable").
				WithField("addr", addr).
				WithField("error", err.Error()).
				Write()
			if errors.Is(err, proxy.ErrLoginFailed) {
				return nil, err
			}
			errs = append(errs, err)
			continue
		}
		p.Retain()

		c.mu.Lock()
		if other, ok := c.proxies[addr]; ok && other.Retain() {
			c.mu.Unlock()
			p.Release(group, typ)
			return other, nil
		}
		c.proxies[addr] = p
		c.mu.Unlock()
		return p, nil
	}
	if len(errs) == 0 {
		return nil, errors.New("group has no servers")
	}
	return nil, errors.Join(errs...)
}

func (c *Client) release(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := handleKey{h.group, h.typ}
	if c.handles[key] == h {
		delete(c.handles, key)
	}
	if h.p.Release(h.group, h.typ) == 0 && c.proxies[h.p.Addr()] == h.p {
		delete(c.proxies, h.p.Addr())
	}
}

// restartCache returns the shared cache for key, restoring it on first use.
func (c *Client) restartCache(key restart.Key) (*restart.Cache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.caches[key]; ok {
		return rc, nil
	}
	rc, err := restart.Restore(c.cfg.Settings.RestartDir, key)
	if err != nil {
		return nil, err
	}
	c.caches[key] = rc

	syslog.L.Debug().
		WithMessage("restart cache ready").
		WithFields(map[string]any{
			"key":     key.String(),
			"path":    rc.Path(),
			"source":  rc.Source(),
			"entries": len(rc.Names()),
		}).
		Write()
	return rc, nil
}

// NextResult blocks until a result from any handle is available.
func (c *Client) NextResult(ctx context.Context) (txn.Result, error) {
	return c.bus.NextResult(ctx)
}

// NextResultTimeout waits at most d; txn.ErrNoResult reports that nothing
// arrived.
func (c *Client) NextResultTimeout(d time.Duration) (txn.Result, error) {
	return c.bus.NextResultTimeout(d)
}

// Outstanding is the number of transactions whose terminal result has not
// been consumed yet.
func (c *Client) Outstanding() int { return c.bus.Outstanding() }

// Shutdown closes every handle, waits for the proxies to say QUIT until ctx
// is done and then drops whatever is left. Restart caches are committed.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	proxies := make([]*proxy.Proxy, 0, len(c.proxies))
	for _, p := range c.proxies {
		proxies = append(proxies, p)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}

	var errs []error
	for _, p := range proxies {
		select {
		case <-p.Done():
		case <-ctx.Done():
			syslog.L.Warn().
				WithMessage("closing connection without QUIT").
				WithField("addr", p.Addr()).
				Write()
			p.CloseImmediate()
			errs = append(errs, fmt.Errorf("%s: %w", p.Addr(), ctx.Err()))
		}
	}

	c.mu.Lock()
	for key, rc := range c.caches {
		if err := rc.Commit(); err != nil {
			errs = append(errs, err)
		}
		if err := rc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("restart cache %s: %w", key, err))
		}
	}
	c.caches = make(map[restart.Key]*restart.Cache)
	c.proxies = make(map[string]*proxy.Proxy)
	c.mu.Unlock()

	if c.watcher != nil {
		c.watcher.Close()
	}
	return errors.Join(errs...)
}
