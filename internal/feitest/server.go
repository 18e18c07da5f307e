// Package feitest provides an in-memory scripted FEI server for tests. Each
// dial returns one end of a net.Pipe served by the fake.
package feitest

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa/FEI-sub000/internal/protocol"
)

// Call is one command received by the server.
type Call struct {
	Cmd  protocol.Command
	Args []string
}

func (c Call) String() string { return c.Cmd.String() }

type File struct {
	Data     []byte
	ModTime  time.Time
	Receipt  string
	Comment  string
	Checksum string
}

type Server struct {
	mu sync.Mutex

	User     string
	Password string
	// Heartbeat is the interval in seconds announced in reply to pulseInt.
	Heartbeat int
	// BatchSize splits listings into batches separated by "more". Zero
	// sends everything at once.
	BatchSize int
	// OmitChecksums leaves the checksum out of stored file replies.
	OmitChecksums bool
	// DeafSubscriptions stops reading client commands once a subscription
	// runs, so kills are never consumed.
	DeafSubscriptions bool

	types    map[string]map[string]*File
	corrupt  map[string]int
	calls    []Call
	conns    []net.Conn
	dials    int
	quits    int
	receipts int
	dialErr  error

	push    chan string
	dropped chan struct{}
}

func NewServer() *Server {
	return &Server{
		User:     "user",
		Password: "secret",
		types:    make(map[string]map[string]*File),
		corrupt:  make(map[string]int),
		push:     make(chan string, 64),
		dropped:  make(chan struct{}),
	}
}

func typeKey(group, typ string) string { return group + ":" + typ }

func checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Dial matches the proxy dialer signature.
func (s *Server) Dial(ctx context.Context, addr string) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	client, server := net.Pipe()
	s.conns = append(s.conns, server)
	s.dials++
	go s.serve(server)
	return client, nil
}

// FailDials makes subsequent dials fail with err; nil restores them.
func (s *Server) FailDials(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// DropConnections closes every server side connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	close(s.dropped)
	s.dropped = make(chan struct{})
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *Server) Quits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quits
}

// Calls returns a copy of every command received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many times cmd (verb and modifier) was received.
func (s *Server) Count(verb string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Cmd.Verb == verb {
			n++
		}
	}
	return n
}

func (s *Server) Put(group, typ, name string, data []byte, mod time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(group, typ, name, &File{Data: data, ModTime: mod, Checksum: checksum(data)})
}

func (s *Server) put(group, typ, name string, f *File) {
	k := typeKey(group, typ)
	if s.types[k] == nil {
		s.types[k] = make(map[string]*File)
	}
	s.types[k][name] = f
}

func (s *Server) File(group, typ, name string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.types[typeKey(group, typ)][name]
	if !ok {
		return File{}, false
	}
	return *f, true
}

// CorruptChecksum makes the next n downloads of name announce a wrong digest.
func (s *Server) CorruptChecksum(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[name] = n
}

// Push queues a raw frame for the active subscription.
func (s *Server) Push(line string) { s.push <- line }

func (s *Server) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

type conn struct {
	s     *Server
	c     net.Conn
	r     *bufio.Reader
	bound string
}

func (c *conn) send(lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(c.c, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) status(code int, msg string) error {
	return c.send(protocol.StatusLine(code, msg))
}

func (c *conn) readCall() (Call, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return Call{}, err
	}
	_, cmd, args, err := protocol.DecodeCommand(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return Call{}, err
	}
	call := Call{Cmd: cmd, Args: args}
	c.s.record(call)
	return call, nil
}

func (s *Server) serve(nc net.Conn) {
	defer nc.Close()
	c := &conn{s: s, c: nc, r: bufio.NewReader(nc)}
	for {
		call, err := c.readCall()
		if err != nil {
			return
		}
		if err := c.handle(call); err != nil {
			return
		}
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func (c *conn) handle(call Call) error {
	s := c.s
	args := call.Args

	switch call.Cmd.Verb {
	case "loginUsr":
		s.mu.Lock()
		ok := arg(args, 0) == s.User && arg(args, 1) == s.Password
		s.mu.Unlock()
		if !ok {
			return c.status(-150, "authentication failed")
		}
		return c.status(0, "welcome")

	case "pulseInt":
		s.mu.Lock()
		hb := s.Heartbeat
		s.mu.Unlock()
		return c.send(fmt.Sprintf("p\t%d", hb), protocol.StatusLine(0, "ok"))

	case "fileType":
		c.bound = typeKey(arg(args, 0), arg(args, 1))
		return c.status(0, "type set")

	case "noopPing", "lockType", "unlkType":
		return c.status(0, "ok")

	case "quitConn":
		s.mu.Lock()
		s.quits++
		s.mu.Unlock()
		c.status(0, "bye")
		return io.EOF

	case "addFiles", "repFiles":
		return c.receive(call)

	case "getFiles":
		return c.sendFile(call)

	case "showFile":
		return c.list(call)

	case "delFiles", "unrFiles":
		name := arg(args, 0)
		s.mu.Lock()
		_, ok := s.types[c.bound][name]
		delete(s.types[c.bound], name)
		s.mu.Unlock()
		if !ok {
			return c.status(-101, "no such file")
		}
		return c.status(0, "removed")

	case "renFiles":
		from, to := arg(args, 0), arg(args, 1)
		s.mu.Lock()
		f, ok := s.types[c.bound][from]
		if ok {
			delete(s.types[c.bound], from)
			s.types[c.bound][to] = f
		}
		s.mu.Unlock()
		if !ok {
			return c.status(-101, "no such file")
		}
		return c.status(0, "renamed")

	case "regFiles":
		s.mu.Lock()
		group, typ, _ := strings.Cut(c.bound, ":")
		s.put(group, typ, arg(args, 0), &File{ModTime: time.Now(), Checksum: checksum(nil)})
		s.mu.Unlock()
		return c.status(0, "registered")

	case "chgPassw":
		s.mu.Lock()
		ok := arg(args, 0) == s.Password
		if ok {
			s.Password = arg(args, 1)
		}
		s.mu.Unlock()
		if !ok {
			return c.status(-150, "wrong password")
		}
		return c.status(0, "password changed")

	case "subFiles":
		if err := c.status(0, "subscribed"); err != nil {
			return err
		}
		return c.subscription()
	}

	return c.status(-199, "unknown command "+call.Cmd.String())
}

func (c *conn) receive(call Call) error {
	s := c.s
	args := call.Args
	name := arg(args, 0)
	size, err := strconv.ParseInt(arg(args, 1), 10, 64)
	if err != nil {
		return c.status(-109, "bad size")
	}

	s.mu.Lock()
	existing, exists := s.types[c.bound][name]
	s.mu.Unlock()

	if hasFlag(args, protocol.TagDiff) && exists {
		if err := c.send("v\t" + protocol.VerifyPrompt); err != nil {
			return err
		}
		line, err := c.r.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == existing.Checksum {
			return c.status(-100, "identical file exists")
		}
	} else if exists && call.Cmd.Verb == "addFiles" {
		return c.status(-100, "file exists")
	}

	if err := c.status(0, "ready"); err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return err
	}

	f := &File{Data: data, ModTime: time.Now().Truncate(time.Millisecond), Checksum: checksum(data)}
	if i := indexOf(args, protocol.TagComment); i >= 0 {
		f.Comment = arg(args, i+1)
	}
	s.mu.Lock()
	if hasFlag(args, protocol.TagReceipt) {
		s.receipts++
		f.Receipt = fmt.Sprintf("R%d", s.receipts)
	}
	group, typ, _ := strings.Cut(c.bound, ":")
	s.put(group, typ, name, f)
	s.mu.Unlock()

	info := protocol.FileInfo{Name: name, Size: size, ModTime: f.ModTime, Receipt: f.Receipt, Comment: f.Comment}
	s.mu.Lock()
	omit := s.OmitChecksums
	s.mu.Unlock()
	if arg(args, 2) != protocol.TagNoChecksum && !omit {
		info.Checksum = f.Checksum
	}
	return c.send(info.Line(), protocol.StatusLine(0, "stored"))
}

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}

func (c *conn) info(name string, f *File) protocol.FileInfo {
	return protocol.FileInfo{
		Name:     name,
		Size:     int64(len(f.Data)),
		ModTime:  f.ModTime,
		Checksum: f.Checksum,
		Receipt:  f.Receipt,
		Comment:  f.Comment,
	}
}

func (c *conn) sendFile(call Call) error {
	s := c.s
	name := arg(call.Args, 0)
	offset, err := strconv.ParseInt(arg(call.Args, 1), 10, 64)
	if err != nil || offset < 0 {
		return c.status(-109, "bad offset")
	}

	s.mu.Lock()
	f, ok := s.types[c.bound][name]
	var fc File
	if ok {
		fc = *f
		if s.corrupt[name] > 0 {
			s.corrupt[name]--
			fc.Checksum = strings.Repeat("0", 32)
		}
	}
	s.mu.Unlock()

	if !ok {
		return c.status(-101, "no such file")
	}
	if offset > int64(len(fc.Data)) {
		offset = int64(len(fc.Data))
	}
	if err := c.send(protocol.StatusLine(0, "sending"), c.info(name, &fc).Line()); err != nil {
		return err
	}
	if _, err := c.c.Write(fc.Data[offset:]); err != nil {
		return err
	}
	return c.send(protocol.LineDone)
}

func (c *conn) list(call Call) error {
	s := c.s
	args := call.Args

	s.mu.Lock()
	var names []string
	for n := range s.types[c.bound] {
		names = append(names, n)
	}
	sort.Strings(names)

	var match func(string, *File) bool
	var re *regexp.Regexp
	compile := func(expr string) error {
		if expr == "" {
			return nil
		}
		var err error
		re, err = regexp.Compile(expr)
		return err
	}
	reOK := func(n string) bool { return re == nil || re.MatchString(n) }

	var err error
	switch call.Cmd.Mod {
	case protocol.ShowNames:
		want := make(map[string]bool)
		for _, a := range args {
			want[a] = true
		}
		match = func(n string, _ *File) bool { return want[n] }
	case protocol.ShowRegex:
		err = compile(arg(args, 0))
		match = func(n string, _ *File) bool { return reOK(n) }
	case protocol.ShowAfter:
		var after time.Time
		after, err = protocol.ParseTime(arg(args, 0))
		if err == nil {
			err = compile(arg(args, 1))
		}
		match = func(n string, f *File) bool { return f.ModTime.After(after) && reOK(n) }
	case protocol.ShowBetween:
		var from, to time.Time
		from, err = protocol.ParseTime(arg(args, 0))
		if err == nil {
			to, err = protocol.ParseTime(arg(args, 1))
		}
		if err == nil {
			err = compile(arg(args, 2))
		}
		match = func(n string, f *File) bool {
			return !f.ModTime.Before(from) && !f.ModTime.After(to) && reOK(n)
		}
	case protocol.ShowLatest:
		err = compile(arg(args, 0))
		var latest string
		var latestT time.Time
		for _, n := range names {
			f := s.types[c.bound][n]
			if reOK(n) && (latest == "" || f.ModTime.After(latestT)) {
				latest, latestT = n, f.ModTime
			}
		}
		match = func(n string, _ *File) bool { return n == latest }
	default:
		err = fmt.Errorf("bad modifier")
	}

	var lines []string
	if err == nil {
		for _, n := range names {
			f := s.types[c.bound][n]
			if match(n, f) {
				lines = append(lines, c.info(n, f).Line())
			}
		}
	}
	batch := s.BatchSize
	s.mu.Unlock()

	if err != nil {
		return c.status(-109, err.Error())
	}
	if err := c.status(0, "listing"); err != nil {
		return err
	}
	for i, l := range lines {
		if err := c.send(l); err != nil {
			return err
		}
		if batch > 0 && (i+1)%batch == 0 && i+1 < len(lines) {
			if err := c.send(protocol.LineMore); err != nil {
				return err
			}
			next, err := c.readCall()
			if err != nil {
				return err
			}
			if next.Cmd != protocol.CmdMore {
				return fmt.Errorf("expected continuation, got %s", next.Cmd)
			}
		}
	}
	return c.send(protocol.LineDone)
}

// subscription forwards pushed frames until the client kills the
// subscription.
func (c *conn) subscription() error {
	calls := make(chan Call, 16)
	errc := make(chan error, 1)
	c.s.mu.Lock()
	deaf := c.s.DeafSubscriptions
	c.s.mu.Unlock()
	if deaf {
		return c.forward()
	}
	go func() {
		for {
			call, err := c.readCall()
			if err != nil {
				errc <- err
				return
			}
			calls <- call
			if call.Cmd == protocol.CmdKillSubscribe {
				return
			}
		}
	}()

	for {
		select {
		case line := <-c.s.push:
			if err := c.send(line); err != nil {
				return err
			}
		case call := <-calls:
			if call.Cmd == protocol.CmdKillSubscribe {
				return c.send(protocol.LineKilled)
			}
		case err := <-errc:
			return err
		}
	}
}

// forward relays pushed frames only. It returns once the connection is
// dropped or a write fails.
func (c *conn) forward() error {
	c.s.mu.Lock()
	dropped := c.s.dropped
	c.s.mu.Unlock()
	for {
		select {
		case line := <-c.s.push:
			if err := c.send(line); err != nil {
				return err
			}
		case <-dropped:
			return net.ErrClosed
		}
	}
}
