package proxy

import (
	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/txn"
)

// listCommand builds the showFile variant for the request's selector.
func listCommand(req *txn.Request) (protocol.Command, []string, error) {
	var args []string
	withRegex := func() {
		if req.Regex != "" {
			args = append(args, req.Regex)
		}
	}

	switch req.Selector {
	case txn.SelectNames:
		if len(req.Names) == 0 {
			return protocol.Command{}, nil, failf(txn.InvalidRequest, "no file names given")
		}
		return protocol.CmdShow.WithMod(protocol.ShowNames), append(args, req.Names...), nil
	case txn.SelectRegex:
		withRegex()
		return protocol.CmdShow.WithMod(protocol.ShowRegex), args, nil
	case txn.SelectAfter:
		args = append(args, protocol.FormatTime(req.From))
		withRegex()
		return protocol.CmdShow.WithMod(protocol.ShowAfter), args, nil
	case txn.SelectBetween:
		if req.To.Before(req.From) {
			return protocol.Command{}, nil, failf(txn.InvalidRequest, "time range ends before it starts")
		}
		args = append(args, protocol.FormatTime(req.From), protocol.FormatTime(req.To))
		withRegex()
		return protocol.CmdShow.WithMod(protocol.ShowBetween), args, nil
	case txn.SelectLatest:
		withRegex()
		return protocol.CmdShow.WithMod(protocol.ShowLatest), args, nil
	}
	return protocol.Command{}, nil, failf(txn.InvalidRequest, "unknown selector %s", req.Selector)
}

// listing runs a listing command and calls visit for every entry, answering
// each "more" with a continuation. A visit error stops further visits but
// the listing is still read to its end so the connection stays in sync.
func (p *Proxy) listing(codec *protocol.Codec, cmd protocol.Command, args []string, visit func(protocol.FileInfo) error) error {
	if err := codec.Send(cmd, args...); err != nil {
		return err
	}
	if _, err := codec.ReadStatus(); err != nil {
		return err
	}

	var visitErr error
	for {
		r, err := codec.ReadPayload()
		if err != nil {
			return err
		}
		switch r.Kind {
		case protocol.ReplyInfo:
			if visitErr == nil {
				visitErr = visit(r.Info)
			}
		case protocol.ReplyName:
			if visitErr == nil {
				visitErr = visit(protocol.FileInfo{Name: r.Name})
			}
		case protocol.ReplyMore:
			if err := codec.Send(protocol.CmdMore); err != nil {
				return err
			}
		case protocol.ReplyDone:
			return visitErr
		default:
			return codec.Unexpected(r, "unexpected listing line")
		}
	}
}

func (p *Proxy) show(codec *protocol.Codec, req *txn.Request, s *sink) (string, error) {
	cmd, args, err := listCommand(req)
	if err != nil {
		return "", err
	}
	err = p.listing(codec, cmd, args, func(fi protocol.FileInfo) error {
		s.emit(infoResult(req, fi))
		return nil
	})
	if err != nil {
		return "", err
	}
	return "no matching files", nil
}

// selectNames resolves the files a request acts on. Explicit names are used
// as given; every other selector lists first.
func (p *Proxy) selectNames(codec *protocol.Codec, req *txn.Request) ([]string, error) {
	if req.Selector == txn.SelectNames {
		if len(req.Names) == 0 {
			return nil, failf(txn.InvalidRequest, "no file names given")
		}
		return req.Names, nil
	}
	cmd, args, err := listCommand(req)
	if err != nil {
		return nil, err
	}
	var names []string
	err = p.listing(codec, cmd, args, func(fi protocol.FileInfo) error {
		names = append(names, fi.Name)
		return nil
	})
	return names, err
}

// remoteInfo looks up one file by name.
func (p *Proxy) remoteInfo(codec *protocol.Codec, name string) (protocol.FileInfo, bool, error) {
	var found protocol.FileInfo
	ok := false
	err := p.listing(codec, protocol.CmdShow.WithMod(protocol.ShowNames), []string{name}, func(fi protocol.FileInfo) error {
		if fi.Name == name {
			found, ok = fi, true
		}
		return nil
	})
	return found, ok, err
}

func infoResult(req *txn.Request, fi protocol.FileInfo) txn.Result {
	res := req.FileResult(fi.Name, txn.OK, "")
	res.Size = fi.Size
	res.ModTime = fi.ModTime
	res.Checksum = fi.Checksum
	res.ReceiptID = fi.Receipt
	res.Contributor = fi.Contributor
	res.Comment = fi.Comment
	if fi.Location != "" {
		res.Locations = []string{fi.Location}
	}
	return res
}
