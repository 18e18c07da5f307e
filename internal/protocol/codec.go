// Package protocol implements the line oriented wire format spoken with FEI
// servers: command encoding, reply decoding and raw byte transfer.
package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa/FEI-sub000/internal/syslog"
	"github.com/nasa/FEI-sub000/internal/utils"
	"golang.org/x/time/rate"
)

var transferBuffers = utils.NewBufferPool()

// LocalError wraps a failure of the local file while bytes were moving. The
// stream on the wire was kept in sync, so the connection is still usable.
type LocalError struct {
	Op  string
	Err error
}

func (e *LocalError) Error() string { return fmt.Sprintf("local %s failed: %v", e.Op, e.Err) }
func (e *LocalError) Unwrap() error { return e.Err }

// Codec reads replies from and writes commands to one connection. Reads must
// come from a single goroutine; writes may come from any.
type Codec struct {
	conn    net.Conn
	version string
	r       *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	readTimeout atomic.Int64
	limiter     atomic.Pointer[rate.Limiter]
	closed      atomic.Bool
	lastCmd     atomic.Value
}

func NewCodec(conn net.Conn, version string, readTimeout time.Duration) *Codec {
	c := &Codec{
		conn:    conn,
		version: version,
		w:       bufio.NewWriter(conn),
	}
	c.r = bufio.NewReader(deadlineReader{c})
	c.readTimeout.Store(int64(readTimeout))
	c.lastCmd.Store("")
	return c
}

// deadlineReader refreshes the read deadline before every read so the
// timeout bounds silence on the wire, not the length of a transfer.
type deadlineReader struct{ c *Codec }

func (d deadlineReader) Read(p []byte) (int, error) {
	if t := time.Duration(d.c.readTimeout.Load()); t > 0 {
		_ = d.c.conn.SetReadDeadline(time.Now().Add(t))
	} else {
		_ = d.c.conn.SetReadDeadline(time.Time{})
	}
	return d.c.conn.Read(p)
}

func (c *Codec) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// SetReadTimeout changes the read timeout and returns the previous one. Zero
// disables it.
func (c *Codec) SetReadTimeout(d time.Duration) time.Duration {
	return time.Duration(c.readTimeout.Swap(int64(d)))
}

// SetLimiter throttles raw byte transfer in both directions. nil removes the
// limit.
func (c *Codec) SetLimiter(l *rate.Limiter) { c.limiter.Store(l) }

func (c *Codec) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Codec) last() string { return c.lastCmd.Load().(string) }

func (c *Codec) writeErr(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return err
}

// Send writes one command line.
func (c *Codec) Send(cmd Command, args ...string) error {
	line := EncodeCommand(c.version, cmd, args...)
	c.lastCmd.Store(cmd.Label())

	syslog.L.Debug().
		WithMessage("send").
		WithField("command", cmd.String()).
		WithField("args", len(args)).
		Write()

	return c.SendLine(line)
}

// SendLine writes a raw line, used for replies to verification prompts.
func (c *Codec) SendLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return c.writeErr(err)
	}
	if err := c.w.Flush(); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// ReadLine returns the next line without its terminator.
func (c *Codec) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if c.closed.Load() {
			return "", ErrClosed
		}
		if errors.Is(err, io.EOF) && line != "" {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadReply reads and decodes the next line.
func (c *Codec) ReadReply() (Reply, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Reply{}, err
	}
	r, err := ParseReply(line)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.Command = c.last()
		}
		return r, err
	}

	syslog.L.Debug().
		WithMessage("recv").
		WithField("kind", r.Kind.String()).
		Write()
	return r, nil
}

// ReadPayload reads the next reply, logging and skipping "m" lines.
func (c *Codec) ReadPayload() (Reply, error) {
	for {
		r, err := c.ReadReply()
		if err != nil {
			return r, err
		}
		if r.Kind != ReplyMessage {
			return r, nil
		}
		syslog.L.Info().
			WithMessage(r.Message).
			WithField("server", c.RemoteAddr()).
			Write()
	}
}

// ReadStatus reads a status reply. A non-zero code is returned as a
// *StatusError; any other reply is a *ProtocolError.
func (c *Codec) ReadStatus() (Reply, error) {
	r, err := c.ReadPayload()
	if err != nil {
		return r, err
	}
	if r.Kind != ReplyStatus {
		return r, c.Unexpected(r, "expected status")
	}
	if r.Code != 0 {
		return r, &StatusError{Command: c.last(), Code: r.Code, Message: r.Message}
	}
	return r, nil
}

// Expect reads the next payload reply and fails unless it has the given kind.
func (c *Codec) Expect(kind ReplyKind) (Reply, error) {
	r, err := c.ReadPayload()
	if err != nil {
		return r, err
	}
	if r.Kind != kind {
		return r, c.Unexpected(r, "expected "+kind.String())
	}
	return r, nil
}

// Unexpected builds the error for a well formed reply arriving out of turn.
func (c *Codec) Unexpected(r Reply, reason string) error {
	return &ProtocolError{Command: c.last(), Line: r.Raw, Reason: reason}
}

// ReadN copies exactly n raw bytes from the connection into dst. If dst
// fails the remaining bytes are still consumed and a *LocalError returned.
func (c *Codec) ReadN(ctx context.Context, dst io.Writer, n int64) (int64, error) {
	var src io.Reader = c.r
	if l := c.limiter.Load(); l != nil {
		src = &throttledReader{ctx: ctx, r: src, l: l}
	}
	counted := &countingReader{r: src}
	sink := &recordingWriter{w: dst}

	buf := transferBuffers.ForTransfer(n)
	defer transferBuffers.Put(buf)

	written, err := io.CopyBuffer(sink, io.LimitReader(counted, n), buf)
	if sink.err != nil {
		if rest := n - counted.n; rest > 0 {
			if _, derr := io.CopyN(io.Discard, c.r, rest); derr != nil {
				return written, c.readErr(derr)
			}
		}
		return written, &LocalError{Op: "write", Err: sink.err}
	}
	if err != nil {
		return written, c.readErr(err)
	}
	if written < n {
		return written, c.readErr(io.ErrUnexpectedEOF)
	}
	return written, nil
}

func (c *Codec) readErr(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteFrom sends exactly n raw bytes read from src. If src fails or runs
// short, the rest is padded with zeros so the server stays in sync, and a
// *LocalError is returned.
func (c *Codec) WriteFrom(ctx context.Context, src io.Reader, n int64) (int64, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var dst io.Writer = c.w
	if l := c.limiter.Load(); l != nil {
		dst = &throttledWriter{ctx: ctx, w: dst, l: l}
	}
	source := &recordingReader{r: src}
	buf := transferBuffers.ForTransfer(n)
	defer transferBuffers.Put(buf)

	sent, err := io.CopyBuffer(dst, io.LimitReader(source, n), buf)
	if err != nil && source.err == nil {
		return sent, c.writeErr(err)
	}

	var localErr error
	if source.err != nil {
		localErr = &LocalError{Op: "read", Err: source.err}
	} else if sent < n {
		localErr = &LocalError{Op: "read", Err: io.ErrUnexpectedEOF}
	}
	if localErr != nil {
		clear(buf)
		for pad := n - sent; pad > 0; {
			k := min(pad, int64(len(buf)))
			if _, err := dst.Write(buf[:k]); err != nil {
				return sent, c.writeErr(err)
			}
			pad -= k
		}
	}

	if err := c.w.Flush(); err != nil {
		return sent, c.writeErr(err)
	}
	return sent, localErr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type recordingReader struct {
	r   io.Reader
	err error
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

type recordingWriter struct {
	w   io.Writer
	err error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}
