package utils

import (
	"time"

	"golang.org/x/exp/rand"
)

type ExponentialBackoff struct {
	Current    time.Duration
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &ExponentialBackoff{
		Initial:    initial,
		Max:        max,
		Current:    initial,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// NextBackOff returns the current delay with jitter applied and advances the
// schedule.
func (b *ExponentialBackoff) NextBackOff() time.Duration {
	defer func() {
		b.Current = time.Duration(float64(b.Current) * b.Multiplier)
		if b.Current > b.Max {
			b.Current = b.Max
		}
	}()
	return Jittered(b.Current, b.Jitter)
}

func (b *ExponentialBackoff) Reset() {
	b.Current = b.Initial
}

// Jittered spreads d uniformly over [d*(1-factor), d*(1+factor)].
func Jittered(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	delta := float64(d) * factor
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
