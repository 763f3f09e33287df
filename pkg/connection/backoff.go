package connection

import "sync"

// Retry schedule used by the proxy shard, in retry units (seconds in
// production).
const (
	// DefaultBaseInterval is the flat delay for the first attempts.
	DefaultBaseInterval = 2

	// DefaultBasePeriod is the number of attempts served at the base interval
	// before the delay starts doubling.
	DefaultBasePeriod = 5

	// DefaultMaxInterval caps the delay.
	DefaultMaxInterval = 300
)

// MultistageBackoff produces a deterministic retry schedule: a flat floor
// for the first basePeriod attempts, then doubling, clamped at maxInterval.
//
//	base=2, period=5, max=300: 2 2 2 2 2 4 8 16 32 64 128 256 300 300 ...
type MultistageBackoff struct {
	mu sync.Mutex

	baseInterval int
	basePeriod   int
	maxInterval  int

	// Attempts since last reset
	attempts int
}

// NewMultistageBackoff creates a backoff generator. Non-positive intervals
// fall back to the defaults; a negative period is treated as zero.
func NewMultistageBackoff(baseInterval, basePeriod, maxInterval int) *MultistageBackoff {
	if baseInterval <= 0 {
		baseInterval = DefaultBaseInterval
	}
	if basePeriod < 0 {
		basePeriod = 0
	}
	if maxInterval < baseInterval {
		maxInterval = baseInterval
	}
	return &MultistageBackoff{
		baseInterval: baseInterval,
		basePeriod:   basePeriod,
		maxInterval:  maxInterval,
	}
}

// NewDefaultBackoff returns the 2/5/300 schedule.
func NewDefaultBackoff() *MultistageBackoff {
	return NewMultistageBackoff(DefaultBaseInterval, DefaultBasePeriod, DefaultMaxInterval)
}

// Next returns the delay for the next retry and advances the attempt count.
func (b *MultistageBackoff) Next() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.delayFor(b.attempts)
	b.attempts++
	return delay
}

// Peek returns the delay Next would return, without advancing.
func (b *MultistageBackoff) Peek() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayFor(b.attempts)
}

// Reset returns the generator to attempt zero.
// Call this after a successful connection or an explicit stop.
func (b *MultistageBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *MultistageBackoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *MultistageBackoff) delayFor(n int) int {
	if n < b.basePeriod {
		return b.baseInterval
	}
	delay := b.baseInterval
	for i := 0; i <= n-b.basePeriod; i++ {
		delay *= 2
		if delay >= b.maxInterval {
			return b.maxInterval
		}
	}
	return delay
}

// BackoffSequence returns the first n delays of the default schedule.
func BackoffSequence(n int) []int {
	b := NewDefaultBackoff()
	seq := make([]int, n)
	for i := range seq {
		seq[i] = b.Next()
	}
	return seq
}
