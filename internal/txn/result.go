package txn

import (
	"time"

	"github.com/nasa/FEI-sub000/internal/restart"
)

// Result is one produced outcome. Once posted it is shared by value and must
// not be modified.
type Result struct {
	ID      ID
	Kind    Kind
	Code    Code
	Message string

	Group string
	Type  string
	Name  string

	Size        int64
	Checksum    string
	ModTime     time.Time
	Received    time.Time
	Locations   []string
	ReceiptID   string
	Contributor string
	Comment     string

	EndOfTransaction bool
	// Suppressed results are dropped when consumed; they still count for
	// metrics and logs.
	Suppressed bool
	Heartbeat  bool

	Restart *restart.Cache
}

func (r Result) OK() bool { return r.Code == OK }

// Terminal returns a copy of r flagged as the end of its transaction.
func (r Result) Terminal() Result {
	r.EndOfTransaction = true
	return r
}
