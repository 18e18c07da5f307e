package txn

import "fmt"

// Code is the outcome of one Result. Zero is success, negative values are
// failures. Values in (-299, -111] are server specific and passed through
// unchanged; values at or below -300 end the connection.
type Code int

const (
	OK Code = 0

	FileExists         Code = -100
	FileNotFound       Code = -101
	DirectoryCollision Code = -102
	FileNotVerified    Code = -103
	LocalDeleteFailed  Code = -104
	IOError            Code = -105
	NotRegularFile     Code = -106
	Cancelled          Code = -107
	NoSubscription     Code = -108
	InvalidRequest     Code = -109
	InsufficientSpace  Code = -110

	ConnectionLost    Code = -300
	ProtocolViolation Code = -301
	LoginFailed       Code = -302
	Timeout           Code = -303
	ProxyClosed       Code = -304
)

var codeNames = map[Code]string{
	OK:                 "OK",
	FileExists:         "FILE_EXISTS",
	FileNotFound:       "FILE_NOT_FOUND",
	DirectoryCollision: "DIRECTORY_COLLISION",
	FileNotVerified:    "FILE_NOT_VERIFIED",
	LocalDeleteFailed:  "LOCAL_DELETE_FAILED",
	IOError:            "IO_ERROR",
	NotRegularFile:     "NOT_REGULAR_FILE",
	Cancelled:          "CANCELLED",
	NoSubscription:     "NO_SUBSCRIPTION",
	InvalidRequest:     "INVALID_REQUEST",
	InsufficientSpace:  "INSUFFICIENT_SPACE",
	ConnectionLost:     "CONNECTION_LOST",
	ProtocolViolation:  "PROTOCOL_VIOLATION",
	LoginFailed:        "LOGIN_FAILED",
	Timeout:            "TIMEOUT",
	ProxyClosed:        "PROXY_CLOSED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	if c.Server() {
		return fmt.Sprintf("SERVER(%d)", int(c))
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

func (c Code) OK() bool { return c == OK }

// Fatal reports whether the code means the connection is unusable.
func (c Code) Fatal() bool { return c <= -300 }

// Server reports whether the code is a server-specific pass-through value.
func (c Code) Server() bool { return c > -300 && c <= -111 }

// Class groups codes for metrics labels.
func (c Code) Class() string {
	switch {
	case c == OK:
		return "ok"
	case c.Fatal():
		return "fatal"
	case c.Server():
		return "server"
	default:
		return "file"
	}
}
