// Package ratelimit implements fixed-window request counting over a pluggable
// counter store. A window opens at the first request counted against a key
// and closes one window length later.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/policy"
	"github.com/folio-labs/chat-edge/pkg/logger"
	"github.com/folio-labs/chat-edge/pkg/metrics"
)

// Store persists window counters. Implementations must be safe for
// concurrent use. A missing or expired key reads as a zero Counter.
//
// Increment starts an absent or expired key at one with an expiry of ttl from
// now; a live key keeps the expiry set by its first increment. A ttl <= 0
// never expires.
type Store interface {
	Get(ctx context.Context, key string) (Counter, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}

// Counter is a stored count and the end of its window. A zero ExpiresAt
// never expires.
type Counter struct {
	Count     int64
	ExpiresAt time.Time
}

// Subject identifies the caller a request is counted against.
type Subject struct {
	IP        string
	UserAgent string
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Tier       policy.Tier
	Count      int64
	RetryAfter time.Duration
	// Degraded is set when the store failed and the check was skipped.
	Degraded bool
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at least 1.
func (d Decision) RetryAfterSeconds() int {
	return retrySeconds(d.RetryAfter)
}

// Limiter checks and records requests against a list of tiers.
type Limiter struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

// NewLimiter creates a limiter backed by store.
func NewLimiter(store Store, log *logger.Logger) *Limiter {
	return &Limiter{
		store: store,
		log:   logger.OrNop(log).Named("ratelimit"),
		now:   time.Now,
	}
}

// WithClock replaces the limiter's time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check reports whether the subject is under every tier's limit for the
// current window. Tiers are evaluated in order and the first exhausted tier
// is reported. Check does not count the request; call Record once the
// request has been served.
func (l *Limiter) Check(ctx context.Context, tiers []policy.Tier, s Subject) Decision {
	now := l.now()
	for _, t := range tiers {
		c, err := l.store.Get(ctx, Key(t, s))
		if err != nil {
			metrics.RateStoreErrors.WithLabelValues("get").Inc()
			l.log.Warn("counter store read failed, admitting without limit",
				zap.String("tier", t.Name),
				zap.Error(err),
			)
			return Decision{Allowed: true, Degraded: true}
		}
		if c.Count >= int64(t.Limit) {
			retry := t.Window
			if !c.ExpiresAt.IsZero() {
				retry = c.ExpiresAt.Sub(now)
			}
			return Decision{
				Allowed:    false,
				Tier:       t,
				Count:      c.Count,
				RetryAfter: retry,
			}
		}
	}
	return Decision{Allowed: true}
}

// Record counts one request against every tier. Store failures are logged
// and otherwise ignored.
func (l *Limiter) Record(ctx context.Context, tiers []policy.Tier, s Subject) {
	for _, t := range tiers {
		if _, err := l.store.Increment(ctx, Key(t, s), t.Window); err != nil {
			metrics.RateStoreErrors.WithLabelValues("increment").Inc()
			l.log.Warn("counter store increment failed",
				zap.String("tier", t.Name),
				zap.Error(err),
			)
		}
	}
}

// Key builds the counter key for a tier and subject. IP and user agent
// values are hashed so keys stay short and use a safe character set.
func Key(t policy.Tier, s Subject) string {
	var id string
	switch t.Scope {
	case policy.ScopeIP:
		id = hash(s.IP)
	case policy.ScopeUserAgent:
		id = hash(s.UserAgent)
	default:
		id = "all"
	}
	return fmt.Sprintf("rl.%s.%s", t.Name, id)
}

func hash(v string) string {
	return strconv.FormatUint(xxhash.Sum64String(v), 16)
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
