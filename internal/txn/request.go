package txn

import (
	"time"

	"github.com/nasa/FEI-sub000/internal/restart"
)

// ID identifies a transaction. Zero is reserved for quiet internal requests
// that never reach the bus.
type ID uint64

// Kind is the closed set of operations a proxy knows how to run.
type Kind int

const (
	KindAdd Kind = iota + 1
	KindReplace
	KindGet
	KindShow
	KindDelete
	KindRename
	KindRegister
	KindUnregister
	KindLock
	KindUnlock
	KindSubscribe
	KindKillSubscribe
	KindChangePassword
	KindCloseType
	KindNoop
	KindShutdown
)

var kindNames = map[Kind]string{
	KindAdd:            "add",
	KindReplace:        "replace",
	KindGet:            "get",
	KindShow:           "show",
	KindDelete:         "delete",
	KindRename:         "rename",
	KindRegister:       "register",
	KindUnregister:     "unregister",
	KindLock:           "lock",
	KindUnlock:         "unlock",
	KindSubscribe:      "subscribe",
	KindKillSubscribe:  "killSubscribe",
	KindChangePassword: "changePassword",
	KindCloseType:      "closeType",
	KindNoop:           "noop",
	KindShutdown:       "shutdown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Resumable kinds keep per-file state in a restart cache.
func (k Kind) Resumable() bool {
	return k == KindGet || k == KindSubscribe
}

// Selector narrows which files a listing-backed request touches.
type Selector int

const (
	SelectNames Selector = iota
	SelectRegex
	SelectAfter
	SelectBetween
	SelectLatest
)

func (s Selector) String() string {
	switch s {
	case SelectNames:
		return "names"
	case SelectRegex:
		return "regex"
	case SelectAfter:
		return "after"
	case SelectBetween:
		return "between"
	case SelectLatest:
		return "latest"
	}
	return "unknown"
}

// Option is a bitmask of per-request behaviors.
type Option uint32

const (
	OptChecksum Option = 1 << iota
	OptReceipt
	OptDiff
	OptReplace
	OptVersion
	OptSafeRead
	OptRestart
	OptAutoCommit
	OptDeleteAfterAdd
	OptSuppressDuplicates
	// OptLockGroup makes lock and unlock act on the group rather than the owner.
	OptLockGroup
)

func (o Option) Has(flag Option) bool { return o&flag != 0 }

// Request describes one unit of work. It is built once and consumed once by
// a proxy; handlers never modify it.
type Request struct {
	ID       ID
	Kind     Kind
	Selector Selector

	Group string
	Type  string

	Names   []string
	NewName string
	Regex   string
	From    time.Time
	To      time.Time
	Comment string
	Options Option

	// Buffer holds in-memory content for an add; Names[0] is the remote name.
	Buffer []byte

	OutputDir string
	Restart   *restart.Cache

	OldPassword string
	NewPassword string
}

// Quiet requests are internal and never produce bus results.
func (r *Request) Quiet() bool { return r.ID == 0 }

// Result builds a non-terminal result scoped to this request.
func (r *Request) Result(code Code, msg string) Result {
	return Result{
		ID:      r.ID,
		Kind:    r.Kind,
		Code:    code,
		Message: msg,
		Group:   r.Group,
		Type:    r.Type,
		Restart: r.Restart,
	}
}

// FileResult builds a non-terminal result about one named file.
func (r *Request) FileResult(name string, code Code, msg string) Result {
	res := r.Result(code, msg)
	res.Name = name
	return res
}
