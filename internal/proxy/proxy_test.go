package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasa/FEI-sub000/internal/feitest"
	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/restart"
	"github.com/nasa/FEI-sub000/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	group = "ops"
	typ   = "images"
)

var mod = time.UnixMilli(1700000000123)

type harness struct {
	t   *testing.T
	srv *feitest.Server
	bus *txn.Bus
	p   *Proxy
}

func testConfig(srv *feitest.Server, bus *txn.Bus) Config {
	return Config{
		Addr:            "fei.test:8080",
		User:            "user",
		Password:        "secret",
		Dial:            srv.Dial,
		ReadTimeout:     5 * time.Second,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		SuppressEpsilon: time.Second,
		Bus:             bus,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := feitest.NewServer()
	bus := txn.NewBus(nil)

	p, err := Dial(context.Background(), testConfig(srv, bus))
	require.NoError(t, err)
	require.True(t, p.Retain())
	t.Cleanup(p.CloseImmediate)

	return &harness{t: t, srv: srv, bus: bus, p: p}
}

func (h *harness) submit(req *txn.Request) txn.ID {
	h.t.Helper()
	if req.Group == "" {
		req.Group, req.Type = group, typ
	}
	req.ID = h.bus.Begin()
	require.NoError(h.t, h.p.Submit(req))
	return req.ID
}

// await collects results until n transactions have ended.
func (h *harness) await(n int) map[txn.ID][]txn.Result {
	h.t.Helper()
	out := make(map[txn.ID][]txn.Result)
	for n > 0 {
		r, err := h.bus.NextResultTimeout(5 * time.Second)
		require.NoError(h.t, err)
		out[r.ID] = append(out[r.ID], r)
		if r.EndOfTransaction {
			n--
		}
	}
	return out
}

func (h *harness) run(req *txn.Request) []txn.Result {
	h.t.Helper()
	id := h.submit(req)
	return h.await(1)[id]
}

func last(rs []txn.Result) txn.Result { return rs[len(rs)-1] }

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestDial_LoginFailure(t *testing.T) {
	srv := feitest.NewServer()
	cfg := testConfig(srv, txn.NewBus(nil))
	cfg.Password = "wrong"

	_, err := Dial(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoginFailed))
	assert.Equal(t, txn.LoginFailed, codeFor(err))
}

func TestOutstanding_OneTerminalPerCommand(t *testing.T) {
	h := newHarness(t)
	h.srv.Put(group, typ, "a.dat", []byte("a"), mod)

	id := h.submit(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})
	assert.Equal(t, 1, h.bus.Outstanding())

	rs := h.await(1)[id]
	assert.Equal(t, 0, h.bus.Outstanding())

	terminals := 0
	for _, r := range rs {
		if r.EndOfTransaction {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, "a.dat", last(rs).Name)
}

func TestUpload_RoundTrip(t *testing.T) {
	h := newHarness(t)
	local := filepath.Join(t.TempDir(), "report.txt")
	writeFile(t, local, []byte("hello fei"))

	rs := h.run(&txn.Request{
		Kind:    txn.KindAdd,
		Names:   []string{local},
		Comment: "nightly",
		Options: txn.OptChecksum | txn.OptReceipt,
	})
	require.Len(t, rs, 1)
	r := rs[0]
	assert.True(t, r.EndOfTransaction)
	assert.Equal(t, txn.OK, r.Code, r.Message)
	assert.Equal(t, "report.txt", r.Name)
	assert.Equal(t, "R1", r.ReceiptID)
	assert.Equal(t, "nightly", r.Comment)

	f, ok := h.srv.File(group, typ, "report.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("hello fei"), f.Data)
	assert.Equal(t, f.Checksum, r.Checksum)
	assert.FileExists(t, local)
}

func TestUpload_PerFileOutcomes(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	h.srv.Put(group, typ, "taken.dat", []byte("old"), mod)
	writeFile(t, filepath.Join(dir, "taken.dat"), []byte("new"))
	writeFile(t, filepath.Join(dir, "fresh.dat"), []byte("fresh"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	rs := h.run(&txn.Request{
		Kind: txn.KindAdd,
		Names: []string{
			filepath.Join(dir, "missing.dat"),
			filepath.Join(dir, "subdir"),
			filepath.Join(dir, "taken.dat"),
			filepath.Join(dir, "fresh.dat"),
		},
		Options: txn.OptDeleteAfterAdd,
	})
	require.Len(t, rs, 4)
	assert.Equal(t, txn.FileNotFound, rs[0].Code)
	assert.Equal(t, txn.NotRegularFile, rs[1].Code)
	assert.Equal(t, txn.FileExists, rs[2].Code)
	assert.Equal(t, txn.OK, rs[3].Code)
	assert.True(t, rs[3].EndOfTransaction)

	assert.FileExists(t, filepath.Join(dir, "taken.dat"))
	assert.NoFileExists(t, filepath.Join(dir, "fresh.dat"))
	f, _ := h.srv.File(group, typ, "taken.dat")
	assert.Equal(t, []byte("old"), f.Data)
}

func TestUpload_DeleteAfterAddNeedsVerifiedCopy(t *testing.T) {
	h := newHarness(t)
	h.srv.OmitChecksums = true
	local := filepath.Join(t.TempDir(), "keep.dat")
	writeFile(t, local, []byte("keep"))

	rs := h.run(&txn.Request{Kind: txn.KindAdd, Names: []string{local}, Options: txn.OptDeleteAfterAdd})
	r := last(rs)
	assert.Equal(t, txn.OK, r.Code)
	assert.Contains(t, r.Message, "local copy kept")
	assert.FileExists(t, local)

	calls := h.srv.Calls()
	addCall := calls[len(calls)-1]
	assert.Equal(t, protocol.CmdAdd, addCall.Cmd)
	assert.Contains(t, addCall.Args, protocol.TagChecksum)
}

type failingSource struct {
	data []byte
	off  int
}

func (f *failingSource) Read(p []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, errors.New("device read error")
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *failingSource) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, errors.New("unsupported seek")
	}
	f.off = int(offset)
	return offset, nil
}

func TestUpload_ReadFailureAbortsOnlyThatFile(t *testing.T) {
	h := newHarness(t)
	codec := h.p.currentCodec()
	require.NotNil(t, codec)
	require.NoError(t, h.p.useType(codec, group, typ))

	req := &txn.Request{ID: h.bus.Begin(), Kind: txn.KindAdd, Group: group, Type: typ}
	s := newSink(h.bus, req)
	require.NoError(t, h.p.uploadOne(codec, req, s, protocol.CmdAdd, "broken.dat", "", &failingSource{data: []byte("half")}, 10))
	require.NoError(t, h.p.uploadOne(codec, req, s, protocol.CmdAdd, "whole.dat", "", bytes.NewReader([]byte("whole")), 5))
	s.finish(nil, "")

	rs := h.await(1)[req.ID]
	require.Len(t, rs, 2)
	assert.Equal(t, "broken.dat", rs[0].Name)
	assert.Equal(t, txn.IOError, rs[0].Code)
	assert.False(t, rs[0].EndOfTransaction)
	assert.Equal(t, "whole.dat", rs[1].Name)
	assert.Equal(t, txn.OK, rs[1].Code, rs[1].Message)
	assert.True(t, rs[1].EndOfTransaction)

	f, ok := h.srv.File(group, typ, "whole.dat")
	require.True(t, ok)
	assert.Equal(t, []byte("whole"), f.Data)

	// The padded stream kept both sides in step.
	assert.Equal(t, txn.OK, last(h.run(&txn.Request{Kind: txn.KindNoop})).Code)
	assert.Equal(t, 1, h.srv.Dials())
}

func TestUpload_DiffSkipsIdentical(t *testing.T) {
	h := newHarness(t)
	local := filepath.Join(t.TempDir(), "same.dat")
	writeFile(t, local, []byte("same"))
	h.srv.Put(group, typ, "same.dat", []byte("same"), mod)

	rs := h.run(&txn.Request{Kind: txn.KindReplace, Names: []string{local}, Options: txn.OptDiff})
	assert.Equal(t, txn.FileExists, last(rs).Code)

	writeFile(t, local, []byte("changed"))
	rs = h.run(&txn.Request{Kind: txn.KindReplace, Names: []string{local}, Options: txn.OptDiff})
	assert.Equal(t, txn.OK, last(rs).Code, last(rs).Message)
	f, _ := h.srv.File(group, typ, "same.dat")
	assert.Equal(t, []byte("changed"), f.Data)
}

func TestUpload_Buffer(t *testing.T) {
	h := newHarness(t)

	rs := h.run(&txn.Request{Kind: txn.KindAdd, Names: []string{"mem.txt"}, Buffer: []byte("in memory")})
	assert.Equal(t, txn.OK, last(rs).Code)
	f, ok := h.srv.File(group, typ, "mem.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("in memory"), f.Data)
}

func TestDownload_SetsContentAndModTime(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	h.srv.Put(group, typ, "a.dat", []byte("alpha"), mod)

	rs := h.run(&txn.Request{Kind: txn.KindGet, Names: []string{"a.dat"}, OutputDir: out})
	r := last(rs)
	require.Equal(t, txn.OK, r.Code, r.Message)
	target := filepath.Join(out, "a.dat")
	assert.Equal(t, []string{target}, r.Locations)
	assert.False(t, r.Received.IsZero())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)
	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(mod))
}

func TestDownload_Collisions(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	h.srv.Put(group, typ, "a.dat", []byte("server"), mod)
	h.srv.Put(group, typ, "dir", []byte("x"), mod)
	writeFile(t, filepath.Join(out, "a.dat"), []byte("local"))
	require.NoError(t, os.Mkdir(filepath.Join(out, "dir"), 0o755))

	rs := h.run(&txn.Request{Kind: txn.KindGet, Names: []string{"a.dat", "dir", "missing"}, OutputDir: out})
	require.Len(t, rs, 3)
	assert.Equal(t, txn.FileExists, rs[0].Code)
	assert.Equal(t, txn.DirectoryCollision, rs[1].Code)
	assert.Equal(t, txn.FileNotFound, rs[2].Code)

	rs = h.run(&txn.Request{Kind: txn.KindGet, Names: []string{"a.dat"}, OutputDir: out, Options: txn.OptReplace})
	assert.Equal(t, txn.OK, last(rs).Code)
	data, _ := os.ReadFile(filepath.Join(out, "a.dat"))
	assert.Equal(t, []byte("server"), data)
}

func TestDownload_DiffSkipsIdenticalLocalCopy(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	h.srv.Put(group, typ, "a.dat", []byte("same"), mod)
	writeFile(t, filepath.Join(out, "a.dat"), []byte("same"))

	rs := h.run(&txn.Request{Kind: txn.KindGet, Names: []string{"a.dat"}, OutputDir: out, Options: txn.OptDiff})
	assert.Equal(t, txn.OK, last(rs).Code)
	assert.Contains(t, last(rs).Message, "skipped")
	assert.Equal(t, 0, h.srv.Count("getFiles"))
}

func TestDownload_VersioningKeepsPreviousCopy(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	target := filepath.Join(out, "a.dat")
	h.srv.Put(group, typ, "a.dat", []byte("v2"), mod)
	writeFile(t, target, []byte("v1"))
	old := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	require.NoError(t, os.Chtimes(target, old, old))

	rs := h.run(&txn.Request{
		Kind:      txn.KindGet,
		Names:     []string{"a.dat"},
		OutputDir: out,
		Options:   txn.OptVersion | txn.OptSafeRead,
	})
	require.Equal(t, txn.OK, last(rs).Code, last(rs).Message)

	versioned := target + "." + old.Format(versionSuffixLayout)
	prev, err := os.ReadFile(versioned)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), prev)
	cur, _ := os.ReadFile(target)
	assert.Equal(t, []byte("v2"), cur)
	assert.NoFileExists(t, filepath.Join(out, shadowDir, "a.dat"))
}

func TestDownload_VersioningRestoresPreviousCopyOnFailure(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	target := filepath.Join(out, "gone.dat")
	writeFile(t, target, []byte("mine"))
	h.srv.Put(group, typ, "bad.dat", []byte("payload"), mod)
	h.srv.CorruptChecksum("bad.dat", 3)
	badTarget := filepath.Join(out, "bad.dat")
	writeFile(t, badTarget, []byte("keep"))

	rs := h.run(&txn.Request{
		Kind:      txn.KindGet,
		Names:     []string{"gone.dat", "bad.dat"},
		OutputDir: out,
		Options:   txn.OptVersion,
	})
	require.Len(t, rs, 2)
	assert.Equal(t, txn.FileNotFound, rs[0].Code)
	assert.Equal(t, txn.FileNotVerified, rs[1].Code)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), data)
	data, err = os.ReadFile(badTarget)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), data)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no versioned copies are left behind")
}

func TestDownload_ChecksumRetryBound(t *testing.T) {
	t.Run("succeeds on third attempt", func(t *testing.T) {
		h := newHarness(t)
		out := t.TempDir()
		h.srv.Put(group, typ, "a.dat", []byte("payload"), mod)
		h.srv.CorruptChecksum("a.dat", 2)

		rs := h.run(&txn.Request{Kind: txn.KindGet, Names: []string{"a.dat"}, OutputDir: out})
		require.Len(t, rs, 1)
		assert.Equal(t, txn.OK, rs[0].Code)
		assert.Equal(t, 3, h.srv.Count("getFiles"))
		assert.FileExists(t, filepath.Join(out, "a.dat"))
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		h := newHarness(t)
		out := t.TempDir()
		h.srv.Put(group, typ, "a.dat", []byte("payload"), mod)
		h.srv.CorruptChecksum("a.dat", 3)

		rs := h.run(&txn.Request{Kind: txn.KindGet, Names: []string{"a.dat"}, OutputDir: out})
		require.Len(t, rs, 1)
		assert.Equal(t, txn.FileNotVerified, rs[0].Code)
		assert.Equal(t, 3, h.srv.Count("getFiles"))
		assert.NoFileExists(t, filepath.Join(out, "a.dat"))
	})
}

func restoreCache(t *testing.T) *restart.Cache {
	t.Helper()
	c, err := restart.Restore(t.TempDir(), restart.Key{Group: group, Type: typ, Command: "get"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func getCalls(srv *feitest.Server) []feitest.Call {
	var out []feitest.Call
	for _, c := range srv.Calls() {
		if c.Cmd == protocol.CmdGet {
			out = append(out, c)
		}
	}
	return out
}

func TestDownload_ResumesFromPartialFile(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	target := filepath.Join(out, "big.dat")
	data := bytes.Repeat([]byte("0123456789"), 10)
	h.srv.Put(group, typ, "big.dat", data, mod)

	cache := restoreCache(t)
	writeFile(t, target, data[:40])
	cache.Put("big.dat", restart.Entry{Size: 100, ModTime: mod, Location: target})

	rs := h.run(&txn.Request{
		Kind:      txn.KindGet,
		Names:     []string{"big.dat"},
		OutputDir: out,
		Restart:   cache,
		Options:   txn.OptRestart | txn.OptAutoCommit,
	})
	require.Equal(t, txn.OK, last(rs).Code, last(rs).Message)

	calls := getCalls(h.srv)
	require.Len(t, calls, 1)
	assert.Equal(t, "40", calls[0].Args[1])

	got, _ := os.ReadFile(target)
	assert.Equal(t, data, got)
	_, ok := cache.Entry("big.dat")
	assert.False(t, ok)
}

func TestDownload_ChangedServerFileRestartsAtZero(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	target := filepath.Join(out, "big.dat")
	data := bytes.Repeat([]byte("abcdefghij"), 10)
	h.srv.Put(group, typ, "big.dat", data, mod)

	cache := restoreCache(t)
	writeFile(t, target, []byte("stale-prefix-from-an-older-version-----"))
	cache.Put("big.dat", restart.Entry{Size: 120, ModTime: mod, Location: target})

	rs := h.run(&txn.Request{
		Kind:      txn.KindGet,
		Names:     []string{"big.dat"},
		OutputDir: out,
		Restart:   cache,
		Options:   txn.OptRestart,
	})
	require.Equal(t, txn.OK, last(rs).Code, last(rs).Message)

	calls := getCalls(h.srv)
	require.Len(t, calls, 2)
	assert.NotEqual(t, "0", calls[0].Args[1])
	assert.Equal(t, "0", calls[1].Args[1])

	got, _ := os.ReadFile(target)
	assert.Equal(t, data, got)
}

func TestListing_BatchesMatchSingleListing(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 7; i++ {
		h.srv.Put(group, typ, fmt.Sprintf("f%02d.dat", i), []byte{byte(i)}, mod.Add(time.Duration(i)*time.Second))
	}

	names := func(rs []txn.Result) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.Name)
		}
		return out
	}

	single := names(h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex, Regex: `\.dat$`}))
	require.Len(t, single, 7)
	assert.Equal(t, 0, h.srv.Count("moreData"))

	h.srv.BatchSize = 3
	batched := names(h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex, Regex: `\.dat$`}))
	assert.Equal(t, single, batched)
	assert.Equal(t, 2, h.srv.Count("moreData"))
}

func TestListing_Selectors(t *testing.T) {
	h := newHarness(t)
	h.srv.Put(group, typ, "old.dat", []byte("o"), mod)
	h.srv.Put(group, typ, "new.dat", []byte("n"), mod.Add(time.Hour))

	rs := h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectLatest})
	require.Len(t, rs, 1)
	assert.Equal(t, "new.dat", rs[0].Name)

	rs = h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectAfter, From: mod.Add(time.Minute)})
	require.Len(t, rs, 1)
	assert.Equal(t, "new.dat", rs[0].Name)

	rs = h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectBetween, From: mod.Add(-time.Minute), To: mod.Add(time.Minute)})
	require.Len(t, rs, 1)
	assert.Equal(t, "old.dat", rs[0].Name)

	rs = h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex, Regex: "^none"})
	require.Len(t, rs, 1)
	assert.Equal(t, txn.OK, rs[0].Code)
	assert.Empty(t, rs[0].Name)

	rs = h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectBetween, From: mod, To: mod.Add(-time.Hour)})
	assert.Equal(t, txn.InvalidRequest, last(rs).Code)
}

func TestGet_BySelectorFetchesEveryMatch(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	h.srv.BatchSize = 1
	h.srv.Put(group, typ, "a.dat", []byte("a"), mod)
	h.srv.Put(group, typ, "b.dat", []byte("b"), mod)
	h.srv.Put(group, typ, "c.txt", []byte("c"), mod)

	rs := h.run(&txn.Request{Kind: txn.KindGet, Selector: txn.SelectRegex, Regex: `\.dat$`, OutputDir: out})
	require.Len(t, rs, 2)
	assert.FileExists(t, filepath.Join(out, "a.dat"))
	assert.FileExists(t, filepath.Join(out, "b.dat"))
	assert.NoFileExists(t, filepath.Join(out, "c.txt"))
}

func TestAdministrativeCommands(t *testing.T) {
	h := newHarness(t)
	h.srv.Put(group, typ, "a.dat", []byte("a"), mod)
	h.srv.Put(group, typ, "b.dat", []byte("b"), mod)
	h.srv.Put(group, typ, "keep.txt", []byte("k"), mod)

	rs := h.run(&txn.Request{Kind: txn.KindRename, Names: []string{"a.dat"}, NewName: "z.dat"})
	assert.Equal(t, txn.OK, last(rs).Code)
	_, ok := h.srv.File(group, typ, "z.dat")
	assert.True(t, ok)

	rs = h.run(&txn.Request{Kind: txn.KindDelete, Selector: txn.SelectRegex, Regex: `\.dat$`})
	require.Len(t, rs, 2)
	_, ok = h.srv.File(group, typ, "b.dat")
	assert.False(t, ok)
	_, ok = h.srv.File(group, typ, "keep.txt")
	assert.True(t, ok)

	rs = h.run(&txn.Request{Kind: txn.KindDelete, Names: []string{"gone.dat"}})
	assert.Equal(t, txn.FileNotFound, last(rs).Code)

	rs = h.run(&txn.Request{Kind: txn.KindRegister, Names: []string{"reg.dat"}, Comment: "external"})
	assert.Equal(t, txn.OK, last(rs).Code)
	rs = h.run(&txn.Request{Kind: txn.KindUnregister, Names: []string{"reg.dat"}})
	assert.Equal(t, txn.OK, last(rs).Code)

	rs = h.run(&txn.Request{Kind: txn.KindLock, Options: txn.OptLockGroup})
	assert.Equal(t, txn.OK, last(rs).Code)
	rs = h.run(&txn.Request{Kind: txn.KindUnlock})
	assert.Equal(t, txn.OK, last(rs).Code)

	var locks []protocol.Command
	for _, c := range h.srv.Calls() {
		if c.Cmd.Verb == "lockType" || c.Cmd.Verb == "unlkType" {
			locks = append(locks, c.Cmd)
		}
	}
	assert.Equal(t, []protocol.Command{protocol.CmdLock.WithMod(protocol.LockGroup), protocol.CmdUnlock}, locks)
	assert.Equal(t, 1, h.srv.Count("fileType"))
}

func TestReconnectAfterDrop(t *testing.T) {
	h := newHarness(t)
	h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})

	h.srv.DropConnections()
	rs := h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})
	assert.True(t, last(rs).Code.Fatal(), last(rs).Code.String())
	assert.Equal(t, StateDisconnected, h.p.State())

	rs = h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})
	assert.Equal(t, txn.OK, last(rs).Code)
	assert.Equal(t, 2, h.srv.Dials())
	assert.Equal(t, StateConnected, h.p.State())
	assert.Equal(t, 2, h.srv.Count("fileType"))
}

func TestReconnectGivesUp(t *testing.T) {
	h := newHarness(t)

	h.srv.DropConnections()
	h.srv.FailDials(errors.New("connection refused"))
	h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})

	rs := h.run(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})
	assert.Equal(t, txn.ConnectionLost, last(rs).Code)
	assert.Equal(t, 1, h.srv.Dials())
	assert.Equal(t, StateDisconnected, h.p.State())
}

func TestChangePasswordIsUsedOnReconnect(t *testing.T) {
	h := newHarness(t)

	rs := h.run(&txn.Request{Kind: txn.KindChangePassword, OldPassword: "secret", NewPassword: "hunter2"})
	require.Equal(t, txn.OK, last(rs).Code)

	h.srv.DropConnections()
	h.run(&txn.Request{Kind: txn.KindNoop})
	rs = h.run(&txn.Request{Kind: txn.KindNoop})
	assert.Equal(t, txn.OK, last(rs).Code)
}

func TestRelease_LastReferenceSendsQuit(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.p.Retain())

	assert.Equal(t, 1, h.p.Release(group, typ))
	assert.Equal(t, 0, h.srv.Quits())

	assert.Equal(t, 0, h.p.Release(group, typ))
	select {
	case <-h.p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not shut down")
	}
	assert.Equal(t, 1, h.srv.Quits())
	assert.Equal(t, StateClosed, h.p.State())
	assert.False(t, h.p.Retain())

	err := h.p.Submit(&txn.Request{Kind: txn.KindNoop})
	assert.True(t, errors.Is(err, ErrClosed))
}

func startSubscription(t *testing.T, h *harness, req *txn.Request) txn.ID {
	t.Helper()
	req.Kind = txn.KindSubscribe
	id := h.submit(req)
	require.Eventually(t, func() bool {
		return h.p.SubscriptionState() == "active"
	}, 5*time.Second, 5*time.Millisecond)
	return id
}

func next(t *testing.T, bus *txn.Bus) txn.Result {
	t.Helper()
	r, err := bus.NextResultTimeout(5 * time.Second)
	require.NoError(t, err)
	return r
}

func TestSubscription_ClosesOnlyAfterKillAck(t *testing.T) {
	h := newHarness(t)
	subID := startSubscription(t, h, &txn.Request{From: mod})

	h.srv.Push(protocol.FileInfo{Name: "one.dat", Size: 1, ModTime: mod.Add(time.Second)}.Line())
	r := next(t, h.bus)
	assert.Equal(t, subID, r.ID)
	assert.Equal(t, "one.dat", r.Name)
	assert.False(t, r.EndOfTransaction)

	// An acknowledgement nobody asked for leaves the stream running.
	h.srv.Push(protocol.LineKilled)
	h.srv.Push(protocol.LinePing)
	r = next(t, h.bus)
	assert.True(t, r.Heartbeat)
	assert.Equal(t, "active", h.p.SubscriptionState())
	assert.Eventually(t, func() bool { return h.srv.Count("pingBack") == 1 }, time.Second, 5*time.Millisecond)

	killID := h.submit(&txn.Request{Kind: txn.KindKillSubscribe})
	results := h.await(2)

	require.Len(t, results[subID], 1)
	assert.True(t, results[subID][0].EndOfTransaction)
	assert.Equal(t, txn.OK, results[subID][0].Code)
	require.Len(t, results[killID], 1)
	assert.Equal(t, txn.OK, results[killID][0].Code)

	assert.Equal(t, 0, h.bus.Outstanding())
	assert.Equal(t, "idle", h.p.SubscriptionState())
}

func TestSubscription_KillRacingDroppedConnectionEndsOnce(t *testing.T) {
	h := newHarness(t)
	h.srv.DeafSubscriptions = true
	subID := startSubscription(t, h, &txn.Request{From: mod})

	killID := h.submit(&txn.Request{Kind: txn.KindKillSubscribe})
	require.Eventually(t, func() bool {
		return h.p.SubscriptionState() == "kill-requested"
	}, 5*time.Second, 5*time.Millisecond)
	h.srv.DropConnections()

	results := h.await(2)
	require.Len(t, results[killID], 1)
	assert.True(t, results[killID][0].Code.Fatal(), results[killID][0].Code.String())
	assert.True(t, last(results[subID]).EndOfTransaction)

	_, err := h.bus.NextResultTimeout(200 * time.Millisecond)
	assert.Error(t, err, "no second terminal for the kill")
	assert.Equal(t, 0, h.bus.Outstanding())
}

func TestSubscription_KillWithoutSubscription(t *testing.T) {
	h := newHarness(t)

	rs := h.run(&txn.Request{Kind: txn.KindKillSubscribe})
	assert.Equal(t, txn.NoSubscription, last(rs).Code)
}

func TestSubscription_SuppressesDuplicatesAndAdvancesCache(t *testing.T) {
	h := newHarness(t)
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "dup.dat"), []byte("abc"))
	cache := restoreCache(t)

	startSubscription(t, h, &txn.Request{
		From:      mod,
		OutputDir: out,
		Restart:   cache,
		Options:   txn.OptSuppressDuplicates,
	})

	h.srv.Push(protocol.FileInfo{Name: "dup.dat", Size: 3, ModTime: mod.Add(500 * time.Millisecond)}.Line())
	h.srv.Push(protocol.LineMore)
	h.srv.Push(protocol.FileInfo{Name: "new.dat", Size: 3, ModTime: mod.Add(time.Minute)}.Line())

	r := next(t, h.bus)
	assert.Equal(t, "new.dat", r.Name)
	assert.Eventually(t, func() bool { return h.srv.Count("moreData") == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		lq, _ := cache.LastQuery()
		return lq.Equal(mod.Add(time.Minute))
	}, time.Second, 5*time.Millisecond)
}

func TestRelease_CancelsQueuedAndKillsSubscription(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.p.Retain())

	subID := startSubscription(t, h, &txn.Request{From: mod})
	showID := h.submit(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})

	assert.Equal(t, 1, h.p.Release(group, typ))
	results := h.await(2)

	assert.Equal(t, txn.Cancelled, last(results[showID]).Code)
	assert.Equal(t, txn.OK, last(results[subID]).Code)
	assert.Equal(t, 0, h.srv.Quits())
}

func TestCloseImmediate_FailsPendingWork(t *testing.T) {
	h := newHarness(t)

	subID := startSubscription(t, h, &txn.Request{From: mod})
	showID := h.submit(&txn.Request{Kind: txn.KindShow, Selector: txn.SelectRegex})

	h.p.CloseImmediate()
	results := h.await(2)

	assert.Equal(t, txn.ProxyClosed, last(results[showID]).Code)
	assert.Equal(t, txn.ProxyClosed, last(results[subID]).Code)
	assert.Equal(t, 0, h.srv.Quits())
	assert.Equal(t, 0, h.bus.Outstanding())
}
