package proxy

import (
	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/txn"
)

func (p *Proxy) noop(codec *protocol.Codec) (string, error) {
	if err := codec.Send(protocol.CmdNoop); err != nil {
		return "", err
	}
	if _, err := codec.ReadStatus(); err != nil {
		return "", err
	}
	return "ok", nil
}

func (p *Proxy) lock(codec *protocol.Codec, req *txn.Request, cmd protocol.Command) (string, error) {
	if req.Options.Has(txn.OptLockGroup) {
		cmd = cmd.WithMod(protocol.LockGroup)
	}
	if err := codec.Send(cmd); err != nil {
		return "", err
	}
	r, err := codec.ReadStatus()
	if err != nil {
		return "", err
	}
	return r.Message, nil
}

func (p *Proxy) changePassword(codec *protocol.Codec, req *txn.Request) (string, error) {
	if req.NewPassword == "" {
		return "", failf(txn.InvalidRequest, "new password is empty")
	}
	if err := codec.Send(protocol.CmdChangePassword, req.OldPassword, req.NewPassword); err != nil {
		return "", err
	}
	if _, err := codec.ReadStatus(); err != nil {
		return "", err
	}

	p.codecMu.Lock()
	p.password = req.NewPassword
	p.codecMu.Unlock()
	return "password changed", nil
}

func (p *Proxy) rename(codec *protocol.Codec, req *txn.Request, s *sink) (string, error) {
	if len(req.Names) != 1 || req.NewName == "" {
		return "", failf(txn.InvalidRequest, "rename needs one old and one new name")
	}
	from := req.Names[0]
	if err := codec.Send(protocol.CmdRename, from, req.NewName); err != nil {
		return "", err
	}
	r, err := codec.ReadStatus()
	if err != nil {
		if se, ok := protocol.AsStatus(err); ok {
			s.emit(req.FileResult(from, txn.Code(se.Code), se.Message))
			return "", nil
		}
		return "", err
	}
	res := req.FileResult(req.NewName, txn.OK, r.Message)
	res.Locations = []string{from}
	s.emit(res)
	return "", nil
}

func (p *Proxy) register(codec *protocol.Codec, req *txn.Request, s *sink) (string, error) {
	if len(req.Names) == 0 {
		return "", failf(txn.InvalidRequest, "register needs at least one name")
	}
	for _, name := range req.Names {
		args := []string{name}
		if req.Comment != "" {
			args = append(args, protocol.TagComment, req.Comment)
		}
		if err := p.perFile(codec, req, s, name, "registered", protocol.CmdRegister, args...); err != nil {
			return "", err
		}
	}
	return "", nil
}

// removeFiles deletes or unregisters by name, or by listing first for the
// other selectors.
func (p *Proxy) removeFiles(codec *protocol.Codec, req *txn.Request, s *sink, cmd protocol.Command, done string) (string, error) {
	names, err := p.selectNames(codec, req)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if err := p.perFile(codec, req, s, name, done, cmd, name); err != nil {
			return "", err
		}
	}
	return "no matching files", nil
}

// perFile sends one command about one file. A non-zero status becomes that
// file's result; only transport and protocol failures are returned.
func (p *Proxy) perFile(codec *protocol.Codec, req *txn.Request, s *sink, name, done string, cmd protocol.Command, args ...string) error {
	if err := codec.Send(cmd, args...); err != nil {
		return err
	}
	if _, err := codec.ReadStatus(); err != nil {
		if se, ok := protocol.AsStatus(err); ok {
			s.emit(req.FileResult(name, txn.Code(se.Code), se.Message))
			return nil
		}
		return err
	}
	s.emit(req.FileResult(name, txn.OK, done))
	return nil
}
