package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nasa/FEI-sub000/internal/proxy"
	"github.com/nasa/FEI-sub000/internal/restart"
	"github.com/nasa/FEI-sub000/internal/txn"
	"github.com/nasa/FEI-sub000/internal/utils/pattern"
)

// Handle is an open file type. Every operation queues one transaction and
// returns its id; outcomes arrive through Client.NextResult.
type Handle struct {
	c      *Client
	group  string
	typ    string
	p      *proxy.Proxy
	closed atomic.Bool
}

func (h *Handle) Group() string { return h.group }
func (h *Handle) Type() string { return h.typ }

// Server is the address of the connection the handle uses.
func (h *Handle) Server() string { return h.p.Addr() }

// Close releases the handle. Its queued requests end with CANCELLED and a
// running subscription is stopped. Closing twice is a no-op.
func (h *Handle) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.c.release(h)
}

func (h *Handle) submit(req *txn.Request) (txn.ID, error) {
	if h.closed.Load() {
		return 0, ErrHandleClosed
	}
	req.Group, req.Type = h.group, h.typ
	req.ID = h.c.bus.Begin()
	if err := h.p.Submit(req); err != nil {
		h.c.bus.Abandon(req.ID)
		return 0, err
	}
	return req.ID, nil
}

// attachRestart gives resumable requests their restart cache when asked to.
func (h *Handle) attachRestart(req *txn.Request) error {
	if !req.Options.Has(txn.OptRestart) || !req.Kind.Resumable() {
		return nil
	}
	rc, err := h.c.restartCache(restart.Key{Group: h.group, Type: h.typ, Command: req.Kind.String()})
	if err != nil {
		return fmt.Errorf("failed to restore restart state: %w", err)
	}
	req.Restart = rc
	return nil
}

func (h *Handle) upload(kind txn.Kind, paths []string, opts txn.Option, comment string) (txn.ID, error) {
	files, err := pattern.ExpandAll(paths)
	if err != nil {
		return 0, err
	}
	return h.submit(&txn.Request{Kind: kind, Names: files, Options: opts, Comment: comment})
}

// Add uploads local files. Paths may use glob patterns in their last
// element.
func (h *Handle) Add(paths []string, opts txn.Option, comment string) (txn.ID, error) {
	return h.upload(txn.KindAdd, paths, opts, comment)
}

func (h *Handle) Replace(paths []string, opts txn.Option, comment string) (txn.ID, error) {
	return h.upload(txn.KindReplace, paths, opts, comment)
}

// AddBuffer uploads data as the file name.
func (h *Handle) AddBuffer(name string, data []byte, opts txn.Option, comment string) (txn.ID, error) {
	if data == nil {
		data = []byte{}
	}
	return h.submit(&txn.Request{Kind: txn.KindAdd, Names: []string{name}, Buffer: data, Options: opts, Comment: comment})
}

func (h *Handle) get(req *txn.Request) (txn.ID, error) {
	req.Kind = txn.KindGet
	if err := h.attachRestart(req); err != nil {
		return 0, err
	}
	return h.submit(req)
}

// Get downloads the named files into outDir.
func (h *Handle) Get(outDir string, names []string, opts txn.Option) (txn.ID, error) {
	return h.get(&txn.Request{Selector: txn.SelectNames, Names: names, OutputDir: outDir, Options: opts})
}

// GetMatching downloads every file whose name matches regex.
func (h *Handle) GetMatching(outDir, regex string, opts txn.Option) (txn.ID, error) {
	return h.get(&txn.Request{Selector: txn.SelectRegex, Regex: regex, OutputDir: outDir, Options: opts})
}

func (h *Handle) GetAfter(outDir string, after time.Time, regex string, opts txn.Option) (txn.ID, error) {
	return h.get(&txn.Request{Selector: txn.SelectAfter, From: after, Regex: regex, OutputDir: outDir, Options: opts})
}

func (h *Handle) GetBetween(outDir string, from, to time.Time, regex string, opts txn.Option) (txn.ID, error) {
	return h.get(&txn.Request{Selector: txn.SelectBetween, From: from, To: to, Regex: regex, OutputDir: outDir, Options: opts})
}

func (h *Handle) GetLatest(outDir, regex string, opts txn.Option) (txn.ID, error) {
	return h.get(&txn.Request{Selector: txn.SelectLatest, Regex: regex, OutputDir: outDir, Options: opts})
}

func (h *Handle) show(req *txn.Request) (txn.ID, error) {
	req.Kind = txn.KindShow
	return h.submit(req)
}

// Show lists the named files.
func (h *Handle) Show(names ...string) (txn.ID, error) {
	return h.show(&txn.Request{Selector: txn.SelectNames, Names: names})
}

// ShowMatching lists files whose name matches regex; an empty regex lists
// everything.
func (h *Handle) ShowMatching(regex string) (txn.ID, error) {
	return h.show(&txn.Request{Selector: txn.SelectRegex, Regex: regex})
}

func (h *Handle) ShowAfter(after time.Time, regex string) (txn.ID, error) {
	return h.show(&txn.Request{Selector: txn.SelectAfter, From: after, Regex: regex})
}

func (h *Handle) ShowBetween(from, to time.Time, regex string) (txn.ID, error) {
	return h.show(&txn.Request{Selector: txn.SelectBetween, From: from, To: to, Regex: regex})
}

func (h *Handle) ShowLatest(regex string) (txn.ID, error) {
	return h.show(&txn.Request{Selector: txn.SelectLatest, Regex: regex})
}

func (h *Handle) Delete(names ...string) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindDelete, Selector: txn.SelectNames, Names: names})
}

func (h *Handle) DeleteMatching(regex string) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindDelete, Selector: txn.SelectRegex, Regex: regex})
}

func (h *Handle) Rename(oldName, newName string) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindRename, Names: []string{oldName}, NewName: newName})
}

// Register records files already placed on the server.
func (h *Handle) Register(names []string, comment string) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindRegister, Names: names, Comment: comment})
}

func (h *Handle) Unregister(names ...string) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindUnregister, Selector: txn.SelectNames, Names: names})
}

func (h *Handle) UnregisterMatching(regex string) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindUnregister, Selector: txn.SelectRegex, Regex: regex})
}

func lockOptions(groupScope bool) txn.Option {
	if groupScope {
		return txn.OptLockGroup
	}
	return 0
}

// Lock locks the file type for its owner, or for the whole group.
func (h *Handle) Lock(groupScope bool) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindLock, Options: lockOptions(groupScope)})
}

func (h *Handle) Unlock(groupScope bool) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindUnlock, Options: lockOptions(groupScope)})
}

// Subscribe streams notifications of files arriving after start. With
// OptRestart the stream continues from the last notified file of a previous
// run instead.
func (h *Handle) Subscribe(outDir string, start time.Time, regex string, opts txn.Option) (txn.ID, error) {
	req := &txn.Request{Kind: txn.KindSubscribe, From: start, Regex: regex, OutputDir: outDir, Options: opts}
	if err := h.attachRestart(req); err != nil {
		return 0, err
	}
	return h.submit(req)
}

// StopSubscribe kills the running subscription. Its transaction ends when
// the server acknowledges, together with the subscription's own.
func (h *Handle) StopSubscribe() (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindKillSubscribe})
}

// ChangePassword changes the login password; later reconnects use the new
// one.
func (h *Handle) ChangePassword(oldPassword, newPassword string) (txn.ID, error) {
	return h.submit(&txn.Request{Kind: txn.KindChangePassword, OldPassword: oldPassword, NewPassword: newPassword})
}
