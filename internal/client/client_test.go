package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasa/FEI-sub000/internal/config"
	"github.com/nasa/FEI-sub000/internal/feitest"
	"github.com/nasa/FEI-sub000/internal/proxy"
	"github.com/nasa/FEI-sub000/internal/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "fei1.test:8080"

func newClient(t *testing.T, srv *feitest.Server, groups map[string]config.Group) *Client {
	t.Helper()
	if groups == nil {
		groups = map[string]config.Group{"ops": {Servers: []string{addr}}}
	}
	ab, err := config.NewAddressBook(groups)
	require.NoError(t, err)

	settings := config.DefaultSettings()
	settings.User = "user"
	settings.Password = "secret"
	settings.ReadTimeout = 5
	settings.RestartDir = t.TempDir()

	c, err := New(Config{
		AddressBook: ab,
		Settings:    settings,
		Dial:        srv.Dial,
		Registerer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func open(t *testing.T, c *Client, group, typ string) *Handle {
	t.Helper()
	h, err := c.Open(context.Background(), group, typ)
	require.NoError(t, err)
	return h
}

// drain consumes results until the transaction ends.
func drain(t *testing.T, c *Client, id txn.ID) []txn.Result {
	t.Helper()
	var out []txn.Result
	for {
		r, err := c.NextResultTimeout(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, id, r.ID)
		out = append(out, r)
		if r.EndOfTransaction {
			return out
		}
	}
}

func TestOpen_SharesOneConnectionPerAddress(t *testing.T) {
	srv := feitest.NewServer()
	c := newClient(t, srv, nil)

	images := open(t, c, "ops", "images")
	docs := open(t, c, "ops", "docs")
	logs := open(t, c, "ops", "logs")

	assert.Equal(t, 1, srv.Dials())
	assert.Equal(t, 3, images.p.RefCount())
	assert.Same(t, images.p, docs.p)
	assert.Equal(t, addr, logs.Server())

	images.Close()
	docs.Close()
	assert.Equal(t, 1, logs.p.RefCount())
	assert.Equal(t, 0, srv.Quits())

	logs.Close()
	select {
	case <-logs.p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed after the last handle")
	}
	assert.Equal(t, 1, srv.Quits())

	// A later open dials again.
	again := open(t, c, "ops", "images")
	assert.Equal(t, 2, srv.Dials())
	assert.Equal(t, 1, again.p.RefCount())
}

func TestOpen_Errors(t *testing.T) {
	srv := feitest.NewServer()
	c := newClient(t, srv, map[string]config.Group{
		"ops": {Servers: []string{addr}, FileTypes: []string{"images"}},
	})

	h := open(t, c, "ops", "images")
	_, err := c.Open(context.Background(), "ops", "images")
	assert.True(t, errors.Is(err, ErrAlreadyOpen))

	_, err = c.Open(context.Background(), "ops", "docs")
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = c.Open(context.Background(), "nope", "images")
	assert.True(t, errors.Is(err, config.ErrUnknownGroup))

	h.Close()
	h.Close()
	_, err = h.ShowMatching("")
	assert.True(t, errors.Is(err, ErrHandleClosed))
}

func TestOpen_LoginFailure(t *testing.T) {
	srv := feitest.NewServer()
	srv.Password = "other"
	c := newClient(t, srv, nil)

	_, err := c.Open(context.Background(), "ops", "images")
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxy.ErrLoginFailed))
}

func TestOpen_FailsOverToNextServer(t *testing.T) {
	srv := feitest.NewServer()
	c := newClient(t, srv, map[string]config.Group{
		"ops": {Servers: []string{"down.test:8080", addr}},
	})
	c.cfg.Dial = func(ctx context.Context, a string) (net.Conn, error) {
		if a == "down.test:8080" {
			return nil, errors.New("connection refused")
		}
		return srv.Dial(ctx, a)
	}

	h := open(t, c, "ops", "images")
	assert.Equal(t, addr, h.Server())
}

func TestOpen_SlowServerDoesNotBlockOtherHandles(t *testing.T) {
	srv := feitest.NewServer()
	c := newClient(t, srv, map[string]config.Group{
		"ops":  {Servers: []string{addr}},
		"slow": {Servers: []string{"slow.test:8080"}},
	})
	dialing := make(chan struct{})
	gate := make(chan struct{})
	c.cfg.Dial = func(ctx context.Context, a string) (net.Conn, error) {
		if a == "slow.test:8080" {
			close(dialing)
			<-gate
		}
		return srv.Dial(ctx, a)
	}

	h := open(t, c, "ops", "images")

	opened := make(chan error, 1)
	go func() {
		_, err := c.Open(context.Background(), "slow", "images")
		opened <- err
	}()
	<-dialing

	_, err := c.Open(context.Background(), "slow", "images")
	assert.True(t, errors.Is(err, ErrAlreadyOpen), "an open in progress counts as open")

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for an unrelated dial")
	}

	close(gate)
	require.NoError(t, <-opened)
}

func TestTransfersEndToEnd(t *testing.T) {
	srv := feitest.NewServer()
	c := newClient(t, srv, nil)
	h := open(t, c, "ops", "images")

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("bravo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "c.bin"), []byte("charlie"), 0o644))

	id, err := h.Add([]string{filepath.Join(src, "*.txt")}, txn.OptChecksum, "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Outstanding())
	rs := drain(t, c, id)
	require.Len(t, rs, 2)
	assert.Equal(t, 0, c.Outstanding())
	for _, r := range rs {
		assert.Equal(t, txn.OK, r.Code, r.Message)
	}

	out := t.TempDir()
	id, err = h.GetMatching(out, `\.txt$`, txn.OptRestart|txn.OptAutoCommit)
	require.NoError(t, err)
	rs = drain(t, c, id)
	require.Len(t, rs, 2)
	require.NotNil(t, rs[0].Restart)

	data, err := os.ReadFile(filepath.Join(out, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bravo"), data)
	assert.FileExists(t, rs[0].Restart.Path())
	assert.Empty(t, rs[0].Restart.Names())

	id, err = h.Rename("a.txt", "z.txt")
	require.NoError(t, err)
	assert.Equal(t, txn.OK, drain(t, c, id)[0].Code)

	id, err = h.ShowMatching("")
	require.NoError(t, err)
	rs = drain(t, c, id)
	require.Len(t, rs, 2)
	assert.Equal(t, "b.txt", rs[0].Name)
	assert.Equal(t, "z.txt", rs[1].Name)
}

func TestStopSubscribe(t *testing.T) {
	srv := feitest.NewServer()
	c := newClient(t, srv, nil)
	h := open(t, c, "ops", "images")

	subID, err := h.Subscribe(t.TempDir(), time.Now(), "", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.p.SubscriptionState() == "active" }, 5*time.Second, 5*time.Millisecond)

	killID, err := h.StopSubscribe()
	require.NoError(t, err)

	ended := map[txn.ID]txn.Code{}
	for len(ended) < 2 {
		r, err := c.NextResultTimeout(5 * time.Second)
		require.NoError(t, err)
		if r.EndOfTransaction {
			ended[r.ID] = r.Code
		}
	}
	assert.Equal(t, txn.OK, ended[subID])
	assert.Equal(t, txn.OK, ended[killID])
	assert.Equal(t, 0, c.Outstanding())
}

func TestShutdown(t *testing.T) {
	srv := feitest.NewServer()
	c := newClient(t, srv, nil)
	open(t, c, "ops", "images")
	open(t, c, "ops", "docs")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 1, srv.Quits())

	_, err := c.Open(context.Background(), "ops", "images")
	assert.True(t, errors.Is(err, ErrClientClosed))
	assert.NoError(t, c.Shutdown(ctx))
}
