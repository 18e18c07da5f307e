package proxy

import (
	"os"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/txn"
)

type subState int

const (
	subIdle subState = iota
	subInitSent
	subActive
	subKillRequested
	subClosed
)

func (s subState) String() string {
	switch s {
	case subIdle:
		return "idle"
	case subInitSent:
		return "init-sent"
	case subActive:
		return "active"
	case subKillRequested:
		return "kill-requested"
	case subClosed:
		return "closed"
	}
	return "unknown"
}

// subscription is the live push stream on a connection. state and kill are
// guarded by Proxy.subMu; kill is set by the control loop and consumed by
// the service loop when the acknowledgement arrives.
type subscription struct {
	key   typeKey
	req   *txn.Request
	state subState
	kill  *txn.Request
}

// SubscriptionState reports the state of the running subscription, or idle.
func (p *Proxy) SubscriptionState() string {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if p.sub == nil {
		return subIdle.String()
	}
	return p.sub.state.String()
}

func (p *Proxy) subscribe(codec *protocol.Codec, req *txn.Request, s *sink) (_ string, err error) {
	boundary := req.From
	cache := req.Restart
	if cache != nil {
		if last, _ := cache.LastQuery(); !last.IsZero() {
			boundary = last
		}
		cache.SetLastQuery(boundary, req.Regex)
	}

	sub := &subscription{key: typeKey{req.Group, req.Type}, req: req, state: subInitSent}

	args := []string{protocol.FormatTime(boundary)}
	if req.Regex != "" {
		args = append(args, req.Regex)
	}
	if err := codec.Send(protocol.CmdSubscribe, args...); err != nil {
		return "", err
	}
	if _, err := codec.ReadStatus(); err != nil {
		return "", err
	}

	// Pushes may be far apart; silence is not a failure here.
	prev := codec.SetReadTimeout(0)
	defer codec.SetReadTimeout(prev)

	p.subMu.Lock()
	sub.state = subActive
	p.sub = sub
	p.subMu.Unlock()

	syslog.L.Info().
		WithMessage("subscription started").
		WithField("group", req.Group).
		WithField("type", req.Type).
		WithField("since", boundary.String()).
		Write()

	defer func() {
		p.subMu.Lock()
		kill := sub.kill
		sub.kill = nil
		sub.state = subClosed
		if p.sub == sub {
			p.sub = nil
		}
		p.subMu.Unlock()

		if kill == nil {
			return
		}
		if err != nil {
			p.bus.Post(kill.Result(codeFor(err), err.Error()).Terminal())
			return
		}
		p.bus.Post(kill.Result(txn.OK, "subscription killed").Terminal())
	}()

	last := boundary
	for {
		r, err := codec.ReadPayload()
		if err != nil {
			return "", err
		}

		switch r.Kind {
		case protocol.ReplyPing:
			if err := codec.Send(protocol.CmdPingBack, protocol.FormatTime(last), protocol.FormatTime(time.Now())); err != nil {
				return "", err
			}
			hb := req.Result(txn.OK, "heartbeat")
			hb.Heartbeat = true
			s.stream(hb)

		case protocol.ReplyMore:
			if err := codec.Send(protocol.CmdMore); err != nil {
				return "", err
			}

		case protocol.ReplyInfo:
			res := infoResult(req, r.Info)
			res.Received = time.Now()
			if req.Options.Has(txn.OptSuppressDuplicates) && p.duplicate(req, r.Info, last) {
				res.Suppressed = true
				syslog.L.Debug().
					WithMessage("suppressed duplicate notification").
					WithField("name", r.Info.Name).
					Write()
			}
			s.stream(res)

			if r.Info.ModTime.After(last) {
				last = r.Info.ModTime
			}
			if cache != nil && cache.AdvanceLastQuery(r.Info.ModTime) {
				p.commitIfAuto(req, cache)
			}

		case protocol.ReplyKilled:
			p.subMu.Lock()
			pending := sub.kill != nil
			p.subMu.Unlock()
			if !pending {
				syslog.L.Warn().
					WithMessage("ignoring unsolicited subscription kill acknowledgement").
					WithField("group", req.Group).
					WithField("type", req.Type).
					Write()
				continue
			}
			s.finish(nil, "subscription closed")
			return "", nil

		default:
			return "", codec.Unexpected(r, "unexpected subscription frame")
		}
	}
}

// duplicate reports whether a pushed file was most likely delivered before:
// a local file of the same size exists and the server time sits within the
// suppression window of the query boundary.
func (p *Proxy) duplicate(req *txn.Request, fi protocol.FileInfo, boundary time.Time) bool {
	if req.OutputDir == "" {
		return false
	}
	local, err := securejoin.SecureJoin(req.OutputDir, fi.Name)
	if err != nil {
		return false
	}
	st, err := os.Stat(local)
	if err != nil || !st.Mode().IsRegular() || st.Size() != fi.Size {
		return false
	}
	delta := fi.ModTime.Sub(boundary)
	if delta < 0 {
		delta = -delta
	}
	return delta <= p.cfg.SuppressEpsilon
}
