package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nasa/FEI-sub000/internal/metrics"
)

var ErrNoResult = errors.New("no result available")

// Bus merges the results of every proxy into one ordered queue and keeps the
// count of transactions whose terminal result has not been consumed yet.
type Bus struct {
	mu          sync.Mutex
	nextID      ID
	outstanding int
	buf         []Result
	// posted is closed and replaced on every Post to wake all waiters.
	posted  chan struct{}
	metrics *metrics.Metrics
}

func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{
		posted:  make(chan struct{}),
		metrics: m,
	}
}

// Begin issues a transaction id and counts it as outstanding.
func (b *Bus) Begin() ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.outstanding++
	b.metrics.TransactionStarted()
	b.metrics.SetOutstanding(b.outstanding)
	return b.nextID
}

// Abandon releases an id obtained from Begin whose request was never queued.
func (b *Bus) Abandon(id ID) {
	if id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
}

func (b *Bus) release() {
	if b.outstanding > 0 {
		b.outstanding--
	}
	b.metrics.SetOutstanding(b.outstanding)
}

// Post appends r. Results of quiet requests are discarded.
func (b *Bus) Post(r Result) {
	if r.ID == 0 {
		return
	}
	b.metrics.ResultPosted(r.Code.Class())

	b.mu.Lock()
	b.buf = append(b.buf, r)
	close(b.posted)
	b.posted = make(chan struct{})
	b.mu.Unlock()
}

// take pops the next deliverable result. The caller holds b.mu.
func (b *Bus) take() (Result, bool) {
	for len(b.buf) > 0 {
		r := b.buf[0]
		b.buf[0] = Result{}
		b.buf = b.buf[1:]

		if r.EndOfTransaction {
			b.release()
		} else if r.Suppressed {
			continue
		}
		return r, true
	}
	return Result{}, false
}

// NextResult blocks until a result is available or ctx is done.
func (b *Bus) NextResult(ctx context.Context) (Result, error) {
	for {
		b.mu.Lock()
		if r, ok := b.take(); ok {
			b.mu.Unlock()
			return r, nil
		}
		wait := b.posted
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// NextResultTimeout waits at most d. A non-positive d polls.
func (b *Bus) NextResultTimeout(d time.Duration) (Result, error) {
	if d <= 0 {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r, ok := b.take(); ok {
			return r, nil
		}
		return Result{}, ErrNoResult
	}

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	r, err := b.NextResult(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{}, ErrNoResult
	}
	return r, err
}

func (b *Bus) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstanding
}
