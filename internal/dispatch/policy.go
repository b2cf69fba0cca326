package dispatch

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/austindbirch/hookloop/internal/config"
)

type Strategy string

const (
	// StrategyPolynomial waits (n^4 + 2) seconds after execution n fails
	StrategyPolynomial  Strategy = "polynomial"
	StrategyExponential Strategy = "exponential"
	StrategySchedule    Strategy = "schedule"
)

const DefaultMaxAttempts = 7

// Policy decides whether a failed task gets another attempt and how long
// it waits first
type Policy struct {
	Strategy    Strategy
	MaxAttempts int // total executions, not retries
	Base        time.Duration
	Multiplier  float64
	Schedule    []time.Duration
	Cap         time.Duration // 0 means uncapped
	JitterPct   float64       // +/- fraction applied to every delay

	rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		Strategy:    StrategyPolynomial,
		MaxAttempts: DefaultMaxAttempts,
		Base:        3 * time.Second,
		Multiplier:  6,
	}
}

func PolicyFromConfig(c config.Dispatcher) (Policy, error) {
	p := Policy{
		Strategy:    Strategy(c.BackoffStrategy),
		MaxAttempts: c.MaxAttempts,
		Base:        c.BackoffBase,
		Multiplier:  c.BackoffMultiplier,
		Schedule:    c.BackoffSchedule,
		Cap:         c.BackoffCap,
		JitterPct:   c.JitterPercent,
	}
	if p.Strategy == "" {
		p.Strategy = StrategyPolynomial
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	switch p.Strategy {
	case StrategyPolynomial:
	case StrategyExponential:
		if p.Base <= 0 || p.Multiplier < 1 {
			return Policy{}, fmt.Errorf("exponential backoff needs base > 0 and multiplier >= 1")
		}
	case StrategySchedule:
		if len(p.Schedule) == 0 {
			return Policy{}, fmt.Errorf("schedule backoff needs BACKOFF_SCHEDULE")
		}
	default:
		return Policy{}, fmt.Errorf("unknown backoff strategy %q", p.Strategy)
	}
	if p.JitterPct < 0 || p.JitterPct > 1 {
		return Policy{}, fmt.Errorf("jitter must be between 0 and 1, got %v", p.JitterPct)
	}
	return p, nil
}

// ShouldRetry reports whether a task whose attempt number just failed may
// run again
func (p Policy) ShouldRetry(attempt int) bool {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	return attempt < limit
}

// Backoff returns the delay before the next attempt of a task that has
// already been retried retryCount times
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	base := p.base(retryCount)

	if p.JitterPct > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		// jitter: +/- JitterPct
		j := 1 + (r()*2-1)*p.JitterPct
		if j < 0.1 {
			j = 0.1
		}
		base = time.Duration(float64(base) * j)
	}
	if p.Cap > 0 && base > p.Cap {
		base = p.Cap
	}
	return base
}

func (p Policy) base(retryCount int) time.Duration {
	switch p.Strategy {
	case StrategyExponential:
		d := float64(p.Base) * math.Pow(p.Multiplier, float64(retryCount))
		if d > float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	case StrategySchedule:
		if len(p.Schedule) == 0 {
			break
		}
		idx := retryCount
		if idx >= len(p.Schedule) {
			idx = len(p.Schedule) - 1
		}
		return p.Schedule[idx]
	}
	// execution n = retryCount + 1 just failed
	n := float64(retryCount + 1)
	return time.Duration(math.Pow(n, 4)+2) * time.Second
}
