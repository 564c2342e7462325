package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/gatekeeper"
	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/ratelimit"
	"github.com/folio-labs/chat-edge/pkg/logger"
	"github.com/folio-labs/chat-edge/pkg/metrics"
)

// ViewsKey is the counter key holding the total view count.
const ViewsKey = "views.total"

// ViewResult is the outcome of an increment request.
type ViewResult struct {
	Count   model.ViewCount
	Counted bool
	// RetryAfter is set when the caller was rate limited.
	RetryAfter int
}

// ViewCounter is the portfolio page view counter.
type ViewCounter struct {
	gate    *gatekeeper.Gatekeeper
	limiter *ratelimit.Limiter
	store   ratelimit.Store
	logger  *logger.Logger
	now     func() time.Time
}

// NewViewCounter creates a view counter. store holds the total and must not
// expire it; limiter enforces the policy's view tiers.
func NewViewCounter(gate *gatekeeper.Gatekeeper, limiter *ratelimit.Limiter, store ratelimit.Store, log *logger.Logger) *ViewCounter {
	return &ViewCounter{
		gate:    gate,
		limiter: limiter,
		store:   store,
		logger:  logger.OrNop(log).Named("views"),
		now:     time.Now,
	}
}

// Get returns the current count.
func (v *ViewCounter) Get(ctx context.Context) (model.ViewCount, error) {
	c, err := v.store.Get(ctx, ViewsKey)
	if err != nil {
		return model.ViewCount{}, fmt.Errorf("read view count: %w", err)
	}
	return v.count(c.Count), nil
}

// Increment counts a view unless the caller looks automated or is over a
// view tier, in which case the current count is returned unchanged.
func (v *ViewCounter) Increment(ctx context.Context, r *http.Request) (ViewResult, error) {
	p := v.gate.Policy()
	if p.IsBot(r.UserAgent()) {
		c, err := v.Get(ctx)
		return ViewResult{Count: c}, err
	}

	subject := ratelimit.Subject{IP: gatekeeper.ClientIP(r), UserAgent: r.UserAgent()}
	decision := v.limiter.Check(ctx, p.ViewTiers, subject)
	if !decision.Allowed {
		c, err := v.Get(ctx)
		return ViewResult{Count: c, RetryAfter: decision.RetryAfterSeconds()}, err
	}

	n, err := v.store.Increment(ctx, ViewsKey, 0)
	if err != nil {
		v.logger.Warn("view increment failed", zap.Error(err))
		return ViewResult{}, fmt.Errorf("increment view count: %w", err)
	}
	v.limiter.Record(ctx, p.ViewTiers, subject)
	metrics.ViewIncrements.Inc()
	return ViewResult{Count: v.count(n), Counted: true}, nil
}

func (v *ViewCounter) count(n int64) model.ViewCount {
	return model.ViewCount{Views: n, Timestamp: v.now().UnixMilli()}
}
