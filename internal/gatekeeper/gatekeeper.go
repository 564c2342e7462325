// Package gatekeeper decides whether an inbound chat request may reach the
// upstream provider.
package gatekeeper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/policy"
	"github.com/folio-labs/chat-edge/internal/ratelimit"
	"github.com/folio-labs/chat-edge/pkg/logger"
	"github.com/folio-labs/chat-edge/pkg/metrics"
)

// DefaultMaxBodyBytes caps the request body read by Admit.
const DefaultMaxBodyBytes = 64 << 10

// Rejection reasons, used for metrics and events.
const (
	ReasonOrigin       = "origin"
	ReasonBot          = "bot"
	ReasonInvalidBody  = "invalid_body"
	ReasonTooManyTurns = "too_many_turns"
	ReasonFormat       = "invalid_format"
	ReasonRole         = "invalid_role"
	ReasonTooLong      = "too_long"
	ReasonRateLimited  = "rate_limited"
)

// Rejection is a refused request with a public message.
type Rejection struct {
	Status  int
	Message string
	Reason  string
	// RetryAfter is the Retry-After value in seconds, zero when not applicable.
	RetryAfter int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("gatekeeper: %s (%d)", r.Reason, r.Status)
}

// Admission is an admitted request. Its counters are not charged until
// Commit is called.
type Admission struct {
	Messages []model.ChatRequestMessage
	Subject  ratelimit.Subject

	tiers   []policy.Tier
	limiter *ratelimit.Limiter
}

// Commit charges the admission against every rate-limit tier. Call it once
// the upstream call has been opened successfully.
func (a *Admission) Commit(ctx context.Context) {
	a.limiter.Record(ctx, a.tiers, a.Subject)
}

// Gatekeeper applies origin, user agent, body shape and rate-limit checks.
type Gatekeeper struct {
	policy       *policy.Holder
	limiter      *ratelimit.Limiter
	maxBodyBytes int64
	log          *logger.Logger
}

// New creates a gatekeeper.
func New(holder *policy.Holder, limiter *ratelimit.Limiter, log *logger.Logger) *Gatekeeper {
	return &Gatekeeper{
		policy:       holder,
		limiter:      limiter,
		maxBodyBytes: DefaultMaxBodyBytes,
		log:          logger.OrNop(log).Named("gatekeeper"),
	}
}

// Policy returns the policy currently in force.
func (g *Gatekeeper) Policy() *policy.Policy {
	return g.policy.Get()
}

// CheckOrigin reports whether a request carrying origin may proceed. A
// missing Origin header passes.
func (g *Gatekeeper) CheckOrigin(origin string) bool {
	return origin == "" || g.policy.Get().OriginAllowed(origin)
}

// Admit runs every check in order and returns the first failure as a
// *Rejection. The request body is consumed.
func (g *Gatekeeper) Admit(r *http.Request) (*Admission, error) {
	p := g.policy.Get()

	if !g.CheckOrigin(r.Header.Get("Origin")) {
		return nil, g.reject(http.StatusForbidden, model.MsgForbidden, ReasonOrigin)
	}
	if p.IsBot(r.UserAgent()) {
		return nil, g.reject(http.StatusForbidden, model.MsgBlocked, ReasonBot)
	}

	body := http.MaxBytesReader(nil, r.Body, g.maxBodyBytes)
	messages, rej := decodeMessages(body, p)
	if rej != nil {
		metrics.RecordRejection(rej.Reason)
		return nil, rej
	}

	subject := ratelimit.Subject{IP: ClientIP(r), UserAgent: r.UserAgent()}
	decision := g.limiter.Check(r.Context(), p.ChatTiers, subject)
	if !decision.Allowed {
		msg := decision.Tier.Message
		if msg == "" {
			msg = model.MsgTooManyRequests
		}
		g.log.Info("chat request rate limited",
			zap.String("tier", decision.Tier.Name),
			zap.Int64("count", decision.Count),
		)
		rej := g.reject(http.StatusTooManyRequests, msg, ReasonRateLimited)
		rej.RetryAfter = decision.RetryAfterSeconds()
		return nil, rej
	}

	return &Admission{
		Messages: messages,
		Subject:  subject,
		tiers:    p.ChatTiers,
		limiter:  g.limiter,
	}, nil
}

func (g *Gatekeeper) reject(status int, msg, reason string) *Rejection {
	metrics.RecordRejection(reason)
	return &Rejection{Status: status, Message: msg, Reason: reason}
}

// ClientIP resolves the caller address: CF-Connecting-IP, then the first
// X-Forwarded-For entry, then the connection address.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
