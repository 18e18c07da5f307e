package protocol

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by a codec whose connection has been closed locally.
var ErrClosed = errors.New("connection closed")

// ProtocolError reports a reply the client cannot interpret. The connection
// is out of sync afterwards and must be dropped.
type ProtocolError struct {
	Command string
	Line    string
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Line)
	}
	return fmt.Sprintf("protocol error after %s: %s: %q", e.Command, e.Reason, e.Line)
}

// StatusError is a non-zero status the server returned for a command. The
// connection stays usable.
type StatusError struct {
	Command string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Command, e.Code, e.Message)
}

// AsStatus extracts a *StatusError from err.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsProtocol reports whether err is a *ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
