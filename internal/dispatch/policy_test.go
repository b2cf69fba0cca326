package dispatch

import (
	"testing"
	"time"

	"github.com/austindbirch/hookloop/internal/config"
)

func TestPolynomialBackoff(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{
		3 * time.Second,
		18 * time.Second,
		83 * time.Second,
		258 * time.Second,
		627 * time.Second,
		1298 * time.Second,
		2403 * time.Second,
	}
	for retry, w := range want {
		if got := p.Backoff(retry); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", retry, got, w)
		}
	}
	if got := p.Backoff(-3); got != 3*time.Second {
		t.Errorf("Backoff(-3) = %v, want 3s", got)
	}
}

func TestExponentialAndScheduleBackoff(t *testing.T) {
	tests := []struct {
		name  string
		p     Policy
		retry int
		want  time.Duration
	}{
		{"exp first", Policy{Strategy: StrategyExponential, Base: 3 * time.Second, Multiplier: 6}, 0, 3 * time.Second},
		{"exp second", Policy{Strategy: StrategyExponential, Base: 3 * time.Second, Multiplier: 6}, 1, 18 * time.Second},
		{"exp third", Policy{Strategy: StrategyExponential, Base: 3 * time.Second, Multiplier: 6}, 2, 108 * time.Second},
		{"exp capped", Policy{Strategy: StrategyExponential, Base: 3 * time.Second, Multiplier: 6, Cap: time.Minute}, 5, time.Minute},
		{"exp overflow capped", Policy{Strategy: StrategyExponential, Base: time.Second, Multiplier: 10, Cap: time.Hour}, 400, time.Hour},
		{"schedule", Policy{Strategy: StrategySchedule, Schedule: []time.Duration{time.Second, 5 * time.Second}}, 1, 5 * time.Second},
		{"schedule past end", Policy{Strategy: StrategySchedule, Schedule: []time.Duration{time.Second, 5 * time.Second}}, 9, 5 * time.Second},
		{"polynomial capped", Policy{Strategy: StrategyPolynomial, Cap: 10 * time.Second}, 3, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Backoff(tt.retry); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestBackoffJitter(t *testing.T) {
	tests := []struct {
		name string
		r    float64
		pct  float64
		want time.Duration
	}{
		{"low end", 0, 0.5, 1500 * time.Millisecond},
		{"midpoint", 0.5, 0.5, 3 * time.Second},
		{"high end", 1, 0.5, 4500 * time.Millisecond},
		{"floored", 0, 1, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			p.JitterPct = tt.pct
			p.rand = func() float64 { return tt.r }
			if got := p.Backoff(0); got != tt.want {
				t.Errorf("Backoff(0) = %v, want %v", got, tt.want)
			}
		})
	}

	p := DefaultPolicy()
	p.JitterPct = 0.2
	for i := 0; i < 200; i++ {
		got := p.Backoff(1)
		if got < 14400*time.Millisecond || got > 21600*time.Millisecond {
			t.Fatalf("Backoff(1) = %v, outside +/-20%% of 18s", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 6; attempt++ {
		if !p.ShouldRetry(attempt) {
			t.Errorf("ShouldRetry(%d) = false, want true", attempt)
		}
	}
	if p.ShouldRetry(7) {
		t.Error("ShouldRetry(7) = true, want false")
	}

	if (Policy{}).ShouldRetry(7) {
		t.Error("zero policy should fall back to the default limit")
	}
	if !(Policy{MaxAttempts: 10}).ShouldRetry(9) {
		t.Error("ShouldRetry(9) with limit 10 = false")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Dispatcher
		wantErr bool
		want    Strategy
	}{
		{"defaults", config.Dispatcher{}, false, StrategyPolynomial},
		{"exponential", config.Dispatcher{BackoffStrategy: "exponential", BackoffBase: time.Second, BackoffMultiplier: 2}, false, StrategyExponential},
		{"exponential without base", config.Dispatcher{BackoffStrategy: "exponential", BackoffMultiplier: 2}, true, ""},
		{"schedule", config.Dispatcher{BackoffStrategy: "schedule", BackoffSchedule: []time.Duration{time.Second}}, false, StrategySchedule},
		{"empty schedule", config.Dispatcher{BackoffStrategy: "schedule"}, true, ""},
		{"unknown", config.Dispatcher{BackoffStrategy: "fibonacci"}, true, ""},
		{"jitter too large", config.Dispatcher{JitterPercent: 1.5}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PolicyFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PolicyFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if p.Strategy != tt.want {
				t.Errorf("Strategy = %q, want %q", p.Strategy, tt.want)
			}
			if p.MaxAttempts != DefaultMaxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
			}
		})
	}
}
