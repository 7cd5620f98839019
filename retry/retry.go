// Package retry computes reconnection delays for the supported policies.
//
// Policies are stateless, the caller tracks attempts and elapsed time.
package retry

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Kind is a retry policy kind.
type Kind int

const (
	None Kind = iota
	Immediate
	Interval
	LinearBackoff
	ExponentialBackoff
	ExponentialBackoffWithJitter
	Random
)

var kindNames = [...]string{
	None:                         "RETRY_NONE",
	Immediate:                    "RETRY_IMMEDIATE",
	Interval:                     "RETRY_INTERVAL",
	LinearBackoff:                "RETRY_LINEAR_BACKOFF",
	ExponentialBackoff:           "RETRY_EXPONENTIAL_BACKOFF",
	ExponentialBackoffWithJitter: "RETRY_EXPONENTIAL_BACKOFF_WITH_JITTER",
	Random:                       "RETRY_RANDOM",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("RETRY_UNKNOWN(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind parses both full (RETRY_LINEAR_BACKOFF) and
// short case-insensitive (linear_backoff) kind names.
func ParseKind(s string) (Kind, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(u, "RETRY_") {
		u = "RETRY_" + u
	}
	for k, n := range kindNames {
		if n == u {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("retry: unknown policy %q", s)
}

const (
	DefaultUnit      = time.Second
	DefaultMaxDelay  = 60 * time.Second
	DefaultRandomMax = 5 * time.Second
)

// Policy is a retry policy.
//
// Zero Unit, MaxDelay and RandomMax fall back to the package defaults,
// zero TimeoutLimit means retrying forever.
type Policy struct {
	Kind         Kind
	TimeoutLimit time.Duration
	Unit         time.Duration
	MaxDelay     time.Duration
	RandomMax    time.Duration

	// Rand returns a number in [0.0, 1.0), math/rand/v2 is used when nil.
	Rand func() float64
}

// New returns a policy with default constants.
func New(kind Kind, timeoutLimit time.Duration) Policy {
	return Policy{Kind: kind, TimeoutLimit: timeoutLimit}
}

// Next returns delay before the next reconnection attempt or false
// when retrying has to stop. attempt starts from 0, elapsed is time
// passed since the first failure.
func (p Policy) Next(attempt int, elapsed time.Duration) (time.Duration, bool) {
	if p.TimeoutLimit > 0 && elapsed > p.TimeoutLimit {
		return 0, false
	}
	if attempt < 0 {
		attempt = 0
	}
	switch p.Kind {
	case None:
		return 0, false
	case Immediate:
		return 0, true
	case Interval:
		return p.unit(), true
	case LinearBackoff:
		return time.Duration(attempt) * p.unit(), true
	case ExponentialBackoff:
		return p.exp(attempt), true
	case ExponentialBackoffWithJitter:
		d := p.exp(attempt)
		return d + time.Duration(p.rand()*float64(d)), true
	case Random:
		max := p.RandomMax
		if max <= 0 {
			max = DefaultRandomMax
		}
		return time.Duration(p.rand() * float64(max)), true
	default:
		return 0, false
	}
}

func (p Policy) unit() time.Duration {
	if p.Unit <= 0 {
		return DefaultUnit
	}
	return p.Unit
}

func (p Policy) exp(attempt int) time.Duration {
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	d := p.unit()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (p Policy) rand() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

func (p Policy) String() string {
	if p.TimeoutLimit == 0 {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s (timeout %s)", p.Kind, p.TimeoutLimit)
}
