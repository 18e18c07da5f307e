package proxy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/restart"
	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/txn"
)

// shadowDir holds safe-read downloads until they are verified.
const shadowDir = ".fei_shadow"

const versionSuffixLayout = "20060102T150405.000"

var errResumeMismatch = errors.New("server file changed since the partial download")

func (p *Proxy) get(codec *protocol.Codec, req *txn.Request, s *sink) (string, error) {
	if req.OutputDir == "" {
		return "", failf(txn.InvalidRequest, "no output directory")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", &protocol.LocalError{Op: "mkdir", Err: err}
	}

	names, err := p.selectNames(codec, req)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if err := p.download(codec, req, s, name); err != nil {
			return "", err
		}
	}
	return "no matching files", nil
}

// transfer is the local side of one download.
type transfer struct {
	name      string
	target    string
	writePath string
	offset    int64
	cache     *restart.Cache
}

func (p *Proxy) download(codec *protocol.Codec, req *txn.Request, s *sink, name string) error {
	fileErr := func(code txn.Code, msg string) error {
		s.emit(req.FileResult(name, code, msg))
		return nil
	}

	target, err := securejoin.SecureJoin(req.OutputDir, name)
	if err != nil {
		return fileErr(txn.IOError, err.Error())
	}
	t := &transfer{name: name, target: target, writePath: target}

	safe := req.Options.Has(txn.OptSafeRead)
	if safe {
		t.writePath, err = securejoin.SecureJoin(filepath.Join(req.OutputDir, shadowDir), name)
		if err != nil {
			return fileErr(txn.IOError, err.Error())
		}
	}

	versioning := req.Options.Has(txn.OptVersion)
	if req.Restart != nil && req.Options.Has(txn.OptRestart) && !versioning {
		t.cache = req.Restart
		if e, ok := t.cache.Entry(name); ok && e.Location == t.writePath {
			t.offset = t.cache.ResumeOffset(name)
		}
	}

	existing, statErr := os.Stat(target)
	exists := statErr == nil
	if exists && existing.IsDir() {
		return fileErr(txn.DirectoryCollision, "a directory is in the way")
	}
	resuming := t.offset > 0 && t.writePath == target

	if exists && req.Options.Has(txn.OptDiff) {
		identical, err := p.sameAsRemote(codec, name, target, existing.Size())
		if err != nil {
			return err
		}
		if identical {
			res := req.FileResult(name, txn.OK, "skipped: identical local copy")
			res.Locations = []string{target}
			s.emit(res)
			return nil
		}
	} else if exists && !resuming && !versioning && !req.Options.Has(txn.OptReplace) {
		return fileErr(txn.FileExists, "local file exists")
	}

	var versioned string
	received := false
	if exists && versioning {
		versioned = target + "." + existing.ModTime().Format(versionSuffixLayout)
		if !safe {
			if err := os.Rename(target, versioned); err != nil {
				return fileErr(txn.IOError, err.Error())
			}
			defer func() {
				if received {
					return
				}
				os.Remove(target)
				if err := os.Rename(versioned, target); err != nil {
					syslog.L.Error(err).
						WithMessage("failed to restore previous copy").
						WithField("path", target).
						WithField("versioned", versioned).
						Write()
				}
			}()
		}
	}

	start := time.Now()
	var (
		info protocol.FileInfo
		sum  string
		n    int64
	)
	for attempt := 1; ; {
		info, sum, n, err = p.fetch(codec, req, t)
		if errors.Is(err, errResumeMismatch) {
			syslog.L.Info().
				WithMessage("restarting download from the beginning").
				WithField("name", name).
				WithField("offset", t.offset).
				Write()
			t.offset = 0
			continue
		}
		if err != nil {
			code := codeFor(err)
			if code.Fatal() {
				return err
			}
			p.forget(req, t)
			return fileErr(code, err.Error())
		}

		if info.Checksum == "" || strings.EqualFold(info.Checksum, sum) {
			break
		}

		os.Remove(t.writePath)
		p.cfg.Metrics.VerifyRetry()
		syslog.L.Warn().
			WithMessage("checksum mismatch").
			WithField("name", name).
			WithField("attempt", attempt).
			WithField("expected", info.Checksum).
			WithField("actual", sum).
			Write()
		if attempt >= p.cfg.MaxVerifyAttempts {
			p.forget(req, t)
			return fileErr(txn.FileNotVerified,
				fmt.Sprintf("checksum mismatch after %d attempts", attempt))
		}
		attempt++
		t.offset = 0
	}
	received = true

	if safe {
		if versioned != "" {
			if err := os.Rename(target, versioned); err != nil {
				return fileErr(txn.IOError, err.Error())
			}
		}
		if err := os.Rename(t.writePath, target); err != nil {
			return fileErr(txn.IOError, err.Error())
		}
	}
	if !info.ModTime.IsZero() {
		if err := os.Chtimes(target, info.ModTime, info.ModTime); err != nil {
			syslog.L.Warn().
				WithMessage("failed to set modification time").
				WithField("path", target).
				WithField("error", err.Error()).
				Write()
		}
	}
	p.forget(req, t)
	p.cfg.Metrics.Downloaded(n, time.Since(start))

	res := infoResult(req, info)
	res.Name = name
	res.Checksum = sum
	res.Locations = []string{target}
	res.Received = time.Now()
	res.Message = "received"
	if versioned != "" {
		res.Message = "received; previous copy kept as " + filepath.Base(versioned)
	}
	s.emit(res)
	return nil
}

// fetch runs one getFiles exchange from t.offset. It returns the server's
// header, the digest of the complete local file and the bytes received.
func (p *Proxy) fetch(codec *protocol.Codec, req *txn.Request, t *transfer) (protocol.FileInfo, string, int64, error) {
	h := newDigest()
	if t.offset > 0 {
		if err := hashPrefix(t.writePath, t.offset, h); err != nil {
			t.offset = 0
			h.Reset()
		}
	}

	args := []string{t.name, strconv.FormatInt(t.offset, 10)}
	if req.Options.Has(txn.OptChecksum) {
		args = append(args, protocol.TagChecksum)
	}
	if err := codec.Send(protocol.CmdGet, args...); err != nil {
		return protocol.FileInfo{}, "", 0, err
	}
	if _, err := codec.ReadStatus(); err != nil {
		return protocol.FileInfo{}, "", 0, err
	}
	hdr, err := codec.Expect(protocol.ReplyInfo)
	if err != nil {
		return protocol.FileInfo{}, "", 0, err
	}
	info := hdr.Info
	remaining := max(info.Size-t.offset, 0)

	skip := func(cause error) (protocol.FileInfo, string, int64, error) {
		if _, err := codec.ReadN(p.ctx, io.Discard, remaining); err != nil {
			return info, "", 0, err
		}
		if _, err := codec.Expect(protocol.ReplyDone); err != nil {
			return info, "", 0, err
		}
		return info, "", 0, cause
	}

	if t.offset > 0 && !t.cache.Matches(t.name, info.Size, info.ModTime) {
		return skip(errResumeMismatch)
	}

	dir := filepath.Dir(t.writePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return skip(&protocol.LocalError{Op: "mkdir", Err: err})
	}
	if free, ok := freeSpace(dir); ok && uint64(remaining) > free {
		return skip(failf(txn.InsufficientSpace, "need %d bytes, %d available", remaining, free))
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if t.offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(t.writePath, flags, 0o644)
	if err != nil {
		return skip(&protocol.LocalError{Op: "open", Err: err})
	}

	if t.cache != nil {
		t.cache.Put(t.name, restart.Entry{Size: info.Size, ModTime: info.ModTime, Location: t.writePath})
		p.commitIfAuto(req, t.cache)
	}

	n, err := codec.ReadN(p.ctx, io.MultiWriter(f, h), remaining)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = &protocol.LocalError{Op: "close", Err: cerr}
	}
	var localErr *protocol.LocalError
	if err != nil && !errors.As(err, &localErr) {
		return info, "", n, err
	}
	if _, derr := codec.Expect(protocol.ReplyDone); derr != nil {
		return info, "", n, derr
	}
	if localErr != nil {
		return info, "", n, localErr
	}
	return info, digestHex(h), n, nil
}

// sameAsRemote compares a local file against the server's copy by size and
// checksum.
func (p *Proxy) sameAsRemote(codec *protocol.Codec, name, local string, size int64) (bool, error) {
	remote, ok, err := p.remoteInfo(codec, name)
	if err != nil {
		if _, isStatus := protocol.AsStatus(err); isStatus {
			return false, nil
		}
		return false, err
	}
	if !ok || remote.Size != size || remote.Checksum == "" {
		return false, nil
	}
	sum, err := fileChecksum(local)
	if err != nil {
		return false, nil
	}
	return strings.EqualFold(sum, remote.Checksum), nil
}

// forget drops the restart entry of a finished or abandoned file.
func (p *Proxy) forget(req *txn.Request, t *transfer) {
	if t.cache == nil {
		return
	}
	t.cache.Remove(t.name)
	p.commitIfAuto(req, t.cache)
}

func (p *Proxy) commitIfAuto(req *txn.Request, c *restart.Cache) {
	if !req.Options.Has(txn.OptAutoCommit) {
		return
	}
	if err := c.Commit(); err != nil {
		syslog.L.Error(err).
			WithMessage("failed to commit restart cache").
			WithField("key", c.Key().String()).
			Write()
	}
}
