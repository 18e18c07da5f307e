package proxy

import (
	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/txn"
)

// dispatch runs one request to completion on the service loop and posts its
// terminal result.
func (p *Proxy) dispatch(req *txn.Request) {
	if req.Kind == txn.KindCloseType {
		p.closeType(req)
		return
	}

	s := newSink(p.bus, req)
	msg, err := p.run(req, s)
	s.finish(err, msg)

	if err == nil {
		return
	}
	code := codeFor(err)
	if !req.Quiet() || code.Fatal() {
		syslog.L.Debug().
			WithMessage("request failed").
			WithField("addr", p.cfg.Addr).
			WithField("kind", req.Kind.String()).
			WithField("code", code.String()).
			WithField("error", err.Error()).
			Write()
	}
	if code.Fatal() {
		p.dropConnection(err)
	}
}

func (p *Proxy) run(req *txn.Request, s *sink) (string, error) {
	switch req.Kind {
	case txn.KindKillSubscribe:
		return "", failf(txn.InvalidRequest, "subscription kill must go through the control queue")
	case txn.KindShutdown, txn.KindCloseType:
		return "", failf(txn.InvalidRequest, "%s is internal", req.Kind)
	}

	codec, err := p.ensureConnected()
	if err != nil {
		return "", err
	}

	switch req.Kind {
	case txn.KindNoop:
		return p.noop(codec)
	case txn.KindChangePassword:
		return p.changePassword(codec, req)
	}

	if req.Group == "" || req.Type == "" {
		return "", failf(txn.InvalidRequest, "%s needs a file type", req.Kind)
	}
	if err := p.useType(codec, req.Group, req.Type); err != nil {
		return "", err
	}

	switch req.Kind {
	case txn.KindAdd, txn.KindReplace:
		return p.upload(codec, req, s)
	case txn.KindGet:
		return p.get(codec, req, s)
	case txn.KindShow:
		return p.show(codec, req, s)
	case txn.KindDelete:
		return p.removeFiles(codec, req, s, protocol.CmdDelete, "deleted")
	case txn.KindUnregister:
		return p.removeFiles(codec, req, s, protocol.CmdUnregister, "unregistered")
	case txn.KindRename:
		return p.rename(codec, req, s)
	case txn.KindRegister:
		return p.register(codec, req, s)
	case txn.KindLock:
		return p.lock(codec, req, protocol.CmdLock)
	case txn.KindUnlock:
		return p.lock(codec, req, protocol.CmdUnlock)
	case txn.KindSubscribe:
		return p.subscribe(codec, req, s)
	}
	return "", failf(txn.InvalidRequest, "unsupported request %s", req.Kind)
}

// closeType is the expedited request queued by the last Release. It cancels
// what is still queued for the type and shuts the proxy down.
func (p *Proxy) closeType(req *txn.Request) {
	p.cancelQueued(typeKey{req.Group, req.Type})
	if p.RefCount() == 0 {
		_ = p.service.pushFront(&txn.Request{Kind: txn.KindShutdown})
	}
}

// dispatchControl runs on the control loop. Only subscription kills arrive
// here.
func (p *Proxy) dispatchControl(req *txn.Request) {
	if req.Kind != txn.KindKillSubscribe {
		p.bus.Post(req.Result(txn.InvalidRequest, "only subscription kills use the control queue").Terminal())
		return
	}

	p.subMu.Lock()
	sub := p.sub
	if sub == nil || (req.Group != "" && sub.key != (typeKey{req.Group, req.Type})) {
		p.subMu.Unlock()
		p.bus.Post(req.Result(txn.NoSubscription, "no active subscription").Terminal())
		return
	}
	if sub.kill != nil {
		p.subMu.Unlock()
		p.bus.Post(req.Result(txn.InvalidRequest, "subscription kill already pending").Terminal())
		return
	}
	sub.kill = req
	sub.state = subKillRequested
	p.subMu.Unlock()

	codec := p.currentCodec()
	var err error
	if codec == nil {
		err = ErrClosed
	} else {
		err = codec.Send(protocol.CmdKillSubscribe)
	}
	if err == nil {
		return
	}

	// The subscription may have ended meanwhile and already answered req.
	p.subMu.Lock()
	owned := sub.kill == req
	if owned {
		sub.kill = nil
		sub.state = subActive
	}
	p.subMu.Unlock()
	if owned {
		p.bus.Post(req.Result(codeFor(err), err.Error()).Terminal())
	}
}
