// Package proxy owns one connection to one FEI server and multiplexes the
// file types of many handles over it.
//
// A Proxy runs three goroutines: the service loop executes requests one at a
// time and is the only reader of the socket, the control loop carries
// requests that must go out while the service loop is blocked in a read
// (subscription kill), and the pulse loop keeps an idle connection alive.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/txn"
	"github.com/nasa/FEI-sub000/internal/utils"
	"golang.org/x/time/rate"
)

type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type typeKey struct {
	group string
	typ   string
}

type Proxy struct {
	cfg     Config
	bus     *txn.Bus
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	service *requestQueue
	control *requestQueue
	wg      sync.WaitGroup

	codecMu  sync.Mutex
	codec    *protocol.Codec
	password string
	state    atomic.Int32

	// bound is the type last selected on the connection. Service loop only.
	bound typeKey

	heartbeat atomic.Int64

	refMu   sync.Mutex
	refs    int
	closing bool

	subMu sync.Mutex
	sub   *subscription

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects, logs in and starts the proxy loops. A rejected login is
// returned as an error wrapping ErrLoginFailed.
func Dial(ctx context.Context, cfg Config) (*Proxy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	pctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		cfg:      cfg,
		bus:      cfg.Bus,
		limiter:  protocol.NewLimiter(cfg.BandwidthLimit),
		ctx:      pctx,
		cancel:   cancel,
		service:  newRequestQueue(),
		control:  newRequestQueue(),
		password: cfg.Password,
		done:     make(chan struct{}),
	}
	p.state.Store(int32(StateDisconnected))

	if err := p.connect(ctx); err != nil {
		cancel()
		return nil, err
	}

	cfg.Metrics.ConnectionOpened()
	syslog.L.Info().
		WithMessage("connected to server").
		WithField("addr", cfg.Addr).
		WithField("heartbeat", p.heartbeatInterval().String()).
		Write()

	p.wg.Add(3)
	go p.serviceLoop()
	go p.controlLoop()
	go p.pulseLoop()

	return p, nil
}

func (p *Proxy) Addr() string { return p.cfg.Addr }

func (p *Proxy) State() ConnectionState { return ConnectionState(p.state.Load()) }

// Done is closed once the proxy has shut down.
func (p *Proxy) Done() <-chan struct{} { return p.done }

func (p *Proxy) heartbeatInterval() time.Duration {
	return time.Duration(p.heartbeat.Load())
}

// Retain adds a handle reference. It fails once the proxy started closing.
func (p *Proxy) Retain() bool {
	p.refMu.Lock()
	defer p.refMu.Unlock()
	if p.closing {
		return false
	}
	p.refs++
	return true
}

func (p *Proxy) RefCount() int {
	p.refMu.Lock()
	defer p.refMu.Unlock()
	return p.refs
}

// Release drops the reference of a handle for (group, type). Requests of
// that type still queued are cancelled and a running subscription of that
// type is killed. The last release closes the connection with QUIT. It
// returns the remaining reference count.
func (p *Proxy) Release(group, typ string) int {
	p.refMu.Lock()
	if p.refs > 0 {
		p.refs--
	}
	n := p.refs
	last := n == 0 && !p.closing
	if last {
		p.closing = true
	}
	p.refMu.Unlock()

	key := typeKey{group, typ}
	p.cancelQueued(key)

	p.subMu.Lock()
	sub := p.sub
	p.subMu.Unlock()
	if sub != nil && sub.key == key {
		_ = p.control.push(&txn.Request{Kind: txn.KindKillSubscribe, Group: group, Type: typ})
	}

	if last {
		_ = p.service.pushFront(&txn.Request{Kind: txn.KindCloseType, Group: group, Type: typ})
	}
	return n
}

func (p *Proxy) cancelQueued(key typeKey) {
	purged := p.service.purge(func(r *txn.Request) bool {
		return r.Group == key.group && r.Type == key.typ && r.Kind != txn.KindCloseType
	})
	for _, r := range purged {
		p.bus.Post(r.Result(txn.Cancelled, "file type closed").Terminal())
	}
}

// Submit queues a request on the service loop.
func (p *Proxy) Submit(req *txn.Request) error {
	if req.Kind == txn.KindKillSubscribe {
		return p.Control(req)
	}
	if err := p.service.push(req); err != nil {
		return fmt.Errorf("%w: %s", ErrClosed, p.cfg.Addr)
	}
	return nil
}

// Control queues a request on the control loop.
func (p *Proxy) Control(req *txn.Request) error {
	if err := p.control.push(req); err != nil {
		return fmt.Errorf("%w: %s", ErrClosed, p.cfg.Addr)
	}
	return nil
}

// CloseImmediate stops the proxy without QUIT. A blocked read is released
// by closing the socket; queued requests end with PROXY_CLOSED.
func (p *Proxy) CloseImmediate() {
	p.refMu.Lock()
	p.closing = true
	p.refMu.Unlock()

	p.terminate()
	p.wg.Wait()
}

// terminate cancels the loops, closes the socket and fails whatever is
// still queued. Safe to call more than once.
func (p *Proxy) terminate() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.state.Store(int32(StateClosed))

		p.codecMu.Lock()
		if p.codec != nil {
			p.codec.Close()
			p.codec = nil
		}
		p.codecMu.Unlock()

		for _, q := range []*requestQueue{p.service, p.control} {
			for _, r := range q.close() {
				p.bus.Post(r.Result(txn.ProxyClosed, "connection closed").Terminal())
			}
		}

		p.cfg.Metrics.ConnectionClosed()
		syslog.L.Info().WithMessage("connection closed").WithField("addr", p.cfg.Addr).Write()
		close(p.done)
	})
}

func (p *Proxy) serviceLoop() {
	defer p.wg.Done()
	for {
		req, err := p.service.pop(p.ctx)
		if err != nil {
			return
		}
		if req.Kind == txn.KindShutdown {
			p.quit()
			p.terminate()
			return
		}
		p.dispatch(req)
	}
}

func (p *Proxy) controlLoop() {
	defer p.wg.Done()
	for {
		req, err := p.control.pop(p.ctx)
		if err != nil {
			return
		}
		p.dispatchControl(req)
	}
}

// pulseLoop queues a quiet no-op whenever the service queue sits idle for a
// heartbeat interval.
func (p *Proxy) pulseLoop() {
	defer p.wg.Done()

	interval := p.heartbeatInterval()
	if interval <= 0 {
		return
	}

	timer := time.NewTimer(utils.Jittered(interval, 0.1))
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}

		if p.service.size() == 0 {
			_ = p.service.push(&txn.Request{Kind: txn.KindNoop})
		}
		if hb := p.heartbeatInterval(); hb > 0 {
			interval = hb
		}
		timer.Reset(utils.Jittered(interval, 0.1))
	}
}

// quit sends QUIT and waits briefly for the acknowledgement.
func (p *Proxy) quit() {
	codec := p.currentCodec()
	if codec == nil {
		return
	}
	if err := codec.Send(protocol.CmdQuit); err != nil {
		return
	}
	prev := codec.SetReadTimeout(quitTimeout)
	defer codec.SetReadTimeout(prev)
	if _, err := codec.ReadStatus(); err != nil {
		syslog.L.Debug().
			WithMessage("quit not acknowledged").
			WithField("addr", p.cfg.Addr).
			WithField("error", err.Error()).
			Write()
	}
}
