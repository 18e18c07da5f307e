package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nasa/FEI-sub000/internal/protocol"
	"github.com/nasa/FEI-sub000/internal/txn"
)

var (
	ErrClosed      = errors.New("proxy closed")
	ErrLoginFailed = errors.New("login failed")
)

// codeError carries an explicit result code out of a handler.
type codeError struct {
	code txn.Code
	msg  string
}

func (e *codeError) Error() string { return e.msg }

func failf(code txn.Code, format string, args ...any) error {
	return &codeError{code: code, msg: fmt.Sprintf(format, args...)}
}

// codeFor maps a handler error onto the result code reported to callers.
func codeFor(err error) txn.Code {
	if err == nil {
		return txn.OK
	}

	var ce *codeError
	if errors.As(err, &ce) {
		return ce.code
	}
	if se, ok := protocol.AsStatus(err); ok {
		return txn.Code(se.Code)
	}
	var le *protocol.LocalError
	if errors.As(err, &le) {
		return txn.IOError
	}
	if protocol.IsProtocol(err) {
		return txn.ProtocolViolation
	}
	if errors.Is(err, ErrLoginFailed) {
		return txn.LoginFailed
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, protocol.ErrClosed) || errors.Is(err, errQueueClosed) {
		return txn.ProxyClosed
	}
	if errors.Is(err, context.Canceled) {
		return txn.Cancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return txn.Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return txn.Timeout
	}
	return txn.ConnectionLost
}
