package proxy

import (
	"github.com/nasa/FEI-sub000/internal/txn"
)

// sink posts the results of one request. It holds back the latest result
// so the last one can carry the end-of-transaction flag.
type sink struct {
	bus     *txn.Bus
	req     *txn.Request
	pending *txn.Result
	done    bool
}

func newSink(bus *txn.Bus, req *txn.Request) *sink {
	return &sink{bus: bus, req: req}
}

func (s *sink) flush() {
	if s.pending != nil {
		s.bus.Post(*s.pending)
		s.pending = nil
	}
}

// emit queues r, posting the previously held result.
func (s *sink) emit(r txn.Result) {
	if s.done {
		return
	}
	s.flush()
	s.pending = &r
}

// stream posts r immediately; used for open-ended streams whose end is
// signalled separately.
func (s *sink) stream(r txn.Result) {
	if s.done {
		return
	}
	s.flush()
	s.bus.Post(r)
}

// finish posts the terminal result. With err == nil the held result becomes
// terminal, or a plain success when nothing was emitted. Later calls are
// ignored.
func (s *sink) finish(err error, okMsg string) {
	if s.done {
		return
	}
	s.done = true

	if err == nil {
		if s.pending != nil {
			last := s.pending.Terminal()
			s.pending = nil
			s.bus.Post(last)
			return
		}
		s.bus.Post(s.req.Result(txn.OK, okMsg).Terminal())
		return
	}

	s.flush()
	s.bus.Post(s.req.Result(codeFor(err), err.Error()).Terminal())
}
