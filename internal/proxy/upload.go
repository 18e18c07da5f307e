package proxy

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/txn"
)

func (p *Proxy) upload(codec *protocol.Codec, req *txn.Request, s *sink) (string, error) {
	cmd := protocol.CmdAdd
	if req.Kind == txn.KindReplace || req.Options.Has(txn.OptReplace) {
		cmd = protocol.CmdReplace
	}

	if req.Buffer != nil {
		if len(req.Names) != 1 || req.Names[0] == "" {
			return "", failf(txn.InvalidRequest, "buffer upload needs exactly one file name")
		}
		src := bytes.NewReader(req.Buffer)
		return "", p.uploadOne(codec, req, s, cmd, req.Names[0], "", src, int64(len(req.Buffer)))
	}

	if len(req.Names) == 0 {
		return "", failf(txn.InvalidRequest, "no files given")
	}
	for _, path := range req.Names {
		name := filepath.Base(path)

		fi, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			s.emit(req.FileResult(name, txn.FileNotFound, "local file not found"))
			continue
		case err != nil:
			s.emit(req.FileResult(name, txn.IOError, err.Error()))
			continue
		case !fi.Mode().IsRegular():
			s.emit(req.FileResult(name, txn.NotRegularFile, "not a regular file"))
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			s.emit(req.FileResult(name, txn.IOError, err.Error()))
			continue
		}
		err = p.uploadOne(codec, req, s, cmd, name, path, f, fi.Size())
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return "", nil
}

// uploadOne sends one file. Outcomes about the file are emitted; the error
// return is reserved for failures that leave the connection unusable.
func (p *Proxy) uploadOne(codec *protocol.Codec, req *txn.Request, s *sink, cmd protocol.Command, name, localPath string, src io.ReadSeeker, size int64) error {
	deleteAfter := req.Options.Has(txn.OptDeleteAfterAdd) && localPath != ""
	args := []string{name, strconv.FormatInt(size, 10)}
	if req.Options.Has(txn.OptChecksum) || deleteAfter {
		args = append(args, protocol.TagChecksum)
	} else {
		args = append(args, protocol.TagNoChecksum)
	}
	if req.Options.Has(txn.OptReceipt) {
		args = append(args, protocol.TagReceipt)
	}
	if req.Options.Has(txn.OptDiff) {
		args = append(args, protocol.TagDiff)
	}
	if req.Comment != "" {
		args = append(args, protocol.TagComment, req.Comment)
	}

	if err := codec.Send(cmd, args...); err != nil {
		return err
	}
	start := time.Now()

	r, err := codec.ReadPayload()
	if err != nil {
		return err
	}
	if r.Kind == protocol.ReplyVerify {
		// An unreadable source answers with an empty digest; the transfer
		// below then reports the read failure for this file.
		digest, herr := readerChecksum(src)
		if herr != nil {
			syslog.L.Warn().
				WithMessage("failed to checksum local file").
				WithField("name", name).
				WithField("error", herr.Error()).
				Write()
		}
		if err := codec.SendLine(digest); err != nil {
			return err
		}
		if r, err = codec.ReadPayload(); err != nil {
			return err
		}
	}
	if r.Kind != protocol.ReplyStatus {
		return codec.Unexpected(r, "expected status")
	}
	if r.Code != 0 {
		s.emit(req.FileResult(name, txn.Code(r.Code), r.Message))
		return nil
	}

	h := newDigest()
	sent, err := codec.WriteFrom(p.ctx, io.TeeReader(src, h), size)
	var localErr *protocol.LocalError
	if err != nil && !errors.As(err, &localErr) {
		return err
	}

	var info protocol.FileInfo
	for {
		r, err := codec.ReadPayload()
		if err != nil {
			return err
		}
		if r.Kind == protocol.ReplyInfo {
			info = r.Info
			continue
		}
		if r.Kind != protocol.ReplyStatus {
			return codec.Unexpected(r, "expected file info or status")
		}
		if r.Code != 0 {
			s.emit(req.FileResult(name, txn.Code(r.Code), r.Message))
			return nil
		}
		break
	}

	if localErr != nil {
		s.emit(req.FileResult(name, txn.IOError, localErr.Error()))
		return nil
	}

	local := digestHex(h)
	p.cfg.Metrics.Uploaded(sent, time.Since(start))

	if info.Name == "" {
		info.Name = name
	}
	res := infoResult(req, info)
	if info.Checksum != "" && !strings.EqualFold(info.Checksum, local) {
		res.Code = txn.FileNotVerified
		res.Message = "server checksum " + info.Checksum + " does not match local " + local
		s.emit(res)
		return nil
	}
	res.Checksum = local
	res.Message = "stored"

	// Only a copy the server has verified may be removed.
	if deleteAfter {
		if info.Checksum == "" {
			res.Message = "stored; local copy kept, server returned no checksum"
		} else if err := os.Remove(localPath); err != nil {
			res.Code = txn.LocalDeleteFailed
			res.Message = err.Error()
		}
	}
	s.emit(res)
	return nil
}
