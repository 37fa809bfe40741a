package replication

import "time"

// Backoff is the retry policy of a paused session
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	// MaxAttempts bounds the consecutive failed cycles (-1 = unlimited)
	MaxAttempts int
}

// DefaultBackoff retries forever, starting at 500ms and doubling up to 30s
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Factor:      2,
		MaxAttempts: -1,
	}
}

// Delay returns the wait before retry attempt n (1-based)
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether attempt n exceeds the limit
func (b Backoff) Exhausted(n int) bool {
	return b.MaxAttempts >= 0 && n > b.MaxAttempts
}

// withDefaults fills the unset fields from DefaultBackoff. A zero Backoff
// becomes DefaultBackoff; otherwise MaxAttempts is kept as given.
func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b == (Backoff{}) {
		return def
	}
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = def.Factor
	}
	return b
}
