package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/utils"
)

type dialResult struct {
	conn net.Conn
	err  error
}

// dialWithTimeout runs the configured dialer under the connect timeout.
func (p *Proxy) dialWithTimeout(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := p.cfg.Dial(ctx, p.cfg.Addr)
		select {
		case resultCh <- dialResult{conn, err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	select {
	case res := <-resultCh:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials, logs in and negotiates the heartbeat.
func (p *Proxy) connect(ctx context.Context) error {
	conn, err := p.dialWithTimeout(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", p.cfg.Addr, err)
	}

	codec := protocol.NewCodec(conn, p.cfg.Version, p.cfg.ConnectTimeout)

	p.codecMu.Lock()
	password := p.password
	p.codecMu.Unlock()

	if err := codec.Send(protocol.CmdLogin, p.cfg.User, password); err != nil {
		codec.Close()
		return fmt.Errorf("failed to send login to %s: %w", p.cfg.Addr, err)
	}
	if _, err := codec.ReadStatus(); err != nil {
		codec.Close()
		if se, ok := protocol.AsStatus(err); ok {
			return fmt.Errorf("%w: %s: %s", ErrLoginFailed, p.cfg.Addr, se.Message)
		}
		return fmt.Errorf("login to %s: %w", p.cfg.Addr, err)
	}

	seconds := int(p.cfg.Heartbeat / time.Second)
	if err := codec.Send(protocol.CmdPulse, strconv.Itoa(seconds)); err != nil {
		codec.Close()
		return fmt.Errorf("failed to negotiate heartbeat with %s: %w", p.cfg.Addr, err)
	}
	hb, err := codec.Expect(protocol.ReplyHeartbeat)
	if err == nil {
		_, err = codec.ReadStatus()
	}
	if err != nil {
		codec.Close()
		return fmt.Errorf("failed to negotiate heartbeat with %s: %w", p.cfg.Addr, err)
	}

	codec.SetReadTimeout(p.cfg.ReadTimeout)
	codec.SetLimiter(p.limiter)

	p.heartbeat.Store(int64(time.Duration(hb.Seconds) * time.Second))

	p.codecMu.Lock()
	p.codec = codec
	p.codecMu.Unlock()
	p.bound = typeKey{}
	p.state.Store(int32(StateConnected))
	return nil
}

func (p *Proxy) currentCodec() *protocol.Codec {
	p.codecMu.Lock()
	defer p.codecMu.Unlock()
	return p.codec
}

// dropConnection discards the socket after a fatal error. The next request
// reconnects.
func (p *Proxy) dropConnection(cause error) {
	p.codecMu.Lock()
	if p.codec != nil {
		p.codec.Close()
		p.codec = nil
	}
	p.codecMu.Unlock()
	p.bound = typeKey{}

	if p.ctx.Err() != nil {
		return
	}
	p.state.Store(int32(StateDisconnected))
	syslog.L.Warn().
		WithMessage("connection dropped").
		WithField("addr", p.cfg.Addr).
		WithField("error", cause.Error()).
		Write()
}

// ensureConnected returns a usable codec, reconnecting with exponential
// backoff if the previous connection was dropped.
func (p *Proxy) ensureConnected() (*protocol.Codec, error) {
	if c := p.currentCodec(); c != nil {
		return c, nil
	}
	if p.ctx.Err() != nil {
		return nil, ErrClosed
	}

	backoff := utils.NewExponentialBackoff(p.cfg.InitialBackoff, p.cfg.MaxBackoff)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	var lastErr error
	for attempt := 0; attempt < p.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			timer.Reset(backoff.NextBackOff())
			select {
			case <-timer.C:
			case <-p.ctx.Done():
				return nil, ErrClosed
			}
		}

		p.cfg.Metrics.Reconnect(p.cfg.Addr)
		err := p.connect(p.ctx)
		if err == nil {
			syslog.L.Info().
				WithMessage("reconnected to server").
				WithField("addr", p.cfg.Addr).
				WithField("attempt", attempt+1).
				Write()
			return p.currentCodec(), nil
		}
		lastErr = err
		if errors.Is(err, ErrLoginFailed) {
			break
		}
		syslog.L.Warn().
			WithMessage("reconnect attempt failed").
			WithField("addr", p.cfg.Addr).
			WithField("attempt", attempt+1).
			WithField("error", err.Error()).
			Write()
	}

	if p.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return nil, lastErr
}

// useType binds the connection to (group, type) unless it already is.
func (p *Proxy) useType(codec *protocol.Codec, group, typ string) error {
	key := typeKey{group, typ}
	if p.bound == key {
		return nil
	}
	p.bound = typeKey{}
	if err := codec.Send(protocol.CmdFileType, group, typ); err != nil {
		return err
	}
	if _, err := codec.ReadStatus(); err != nil {
		return err
	}
	p.bound = key
	return nil
}
