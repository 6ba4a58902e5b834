package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	OpRestart = "restart"
	OpReboot  = "reboot"
	OpConfig  = "config"
	OpStatus  = "status"

	DefaultSweepThreshold = 1000
	DefaultHorizon        = 5 * time.Minute
)

// DefaultCooldowns is the per-operation cooldown table used when none is configured.
var DefaultCooldowns = map[string]time.Duration{
	OpRestart: 60 * time.Second,
	OpReboot:  60 * time.Second,
	OpConfig:  10 * time.Second,
	OpStatus:  2 * time.Second,
}

type Config struct {
	Cooldowns map[string]time.Duration
	// SweepThreshold is the entry count above which stale entries are purged.
	SweepThreshold int
	// Horizon is the age after which an entry is considered stale.
	Horizon time.Duration
	Now     func() time.Time
}

type Decision struct {
	Allowed          bool `json:"allowed"`
	RemainingSeconds int  `json:"remainingSeconds,omitempty"`
}

type key struct {
	deviceID  int64
	operation string
}

type Limiter struct {
	mu        sync.Mutex
	cooldowns map[string]time.Duration
	threshold int
	horizon   time.Duration
	now       func() time.Time
	last      map[key]time.Time
}

func New(cfg Config) *Limiter {
	l := &Limiter{
		cooldowns: cfg.Cooldowns,
		threshold: cfg.SweepThreshold,
		horizon:   cfg.Horizon,
		now:       cfg.Now,
		last:      make(map[key]time.Time),
	}
	if l.cooldowns == nil {
		l.cooldowns = DefaultCooldowns
	}
	if l.threshold <= 0 {
		l.threshold = DefaultSweepThreshold
	}
	if l.horizon <= 0 {
		l.horizon = DefaultHorizon
	}
	// An entry must outlive its own cooldown.
	for _, cooldown := range l.cooldowns {
		if cooldown > l.horizon {
			l.horizon = cooldown
		}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// CheckAndRecord reports whether operation may run against deviceID now.
// The timestamp is only stamped when the call is allowed, so a rejected
// call never extends the cooldown. Operations without a configured
// cooldown are always allowed.
func (l *Limiter) CheckAndRecord(deviceID int64, operation string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.last) > l.threshold {
		l.sweep(now)
	}

	cooldown, limited := l.cooldowns[operation]
	if !limited || cooldown <= 0 {
		return Decision{Allowed: true}
	}

	k := key{deviceID: deviceID, operation: operation}
	if last, ok := l.last[k]; ok {
		if elapsed := now.Sub(last); elapsed < cooldown {
			remaining := int(math.Ceil((cooldown - elapsed).Seconds()))
			return Decision{Allowed: false, RemainingSeconds: remaining}
		}
	}
	l.last[k] = now
	return Decision{Allowed: true}
}

// Len returns the number of tracked (device, operation) entries.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

func (l *Limiter) sweep(now time.Time) {
	for k, last := range l.last {
		if now.Sub(last) > l.horizon {
			delete(l.last, k)
		}
	}
}
