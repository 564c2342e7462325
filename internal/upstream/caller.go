package upstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/pkg/logger"
	"github.com/folio-labs/chat-edge/pkg/metrics"
	"github.com/folio-labs/chat-edge/pkg/tracing"
)

// Response is an open stream plus how it was obtained.
type Response struct {
	Stream
	Provider string
	Slot     string
	Attempts int
}

// Caller opens streams, trying each credential in order and moving on only
// when the provider reports quota exhaustion.
type Caller struct {
	provider Provider
	keys     []string
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewCaller creates a caller. keys are tried in order; the first is primary.
func NewCaller(provider Provider, keys []string, log *logger.Logger) (*Caller, error) {
	if len(keys) == 0 {
		return nil, errors.New("upstream: at least one credential is required")
	}
	return &Caller{
		provider: provider,
		keys:     keys,
		log:      logger.OrNop(log).Named("upstream"),
		tracer:   tracing.Tracer("github.com/folio-labs/chat-edge/internal/upstream"),
	}, nil
}

// SlotName names a credential by position for logs and metrics.
func SlotName(i int) string {
	if i == 0 {
		return "primary"
	}
	return "fallback-" + strconv.Itoa(i)
}

// Open returns a live stream or an *Error. Each credential is attempted at
// most once.
func (c *Caller) Open(ctx context.Context, prompt *Prompt) (*Response, error) {
	name := c.provider.Name()
	ctx, span := c.tracer.Start(ctx, "upstream.open", trace.WithAttributes(
		attribute.String("upstream.provider", name),
		attribute.Int("upstream.credentials", len(c.keys)),
	))
	defer span.End()

	var lastErr error
	for i, key := range c.keys {
		slot := SlotName(i)
		start := time.Now()
		stream, err := c.provider.Open(ctx, key, prompt)
		if err == nil {
			metrics.RecordUpstreamAttempt(name, i, "ok")
			span.AddEvent("attempt", trace.WithAttributes(
				attribute.String("slot", slot),
				attribute.String("outcome", "ok"),
			))
			span.SetAttributes(attribute.Int("upstream.attempts", i+1))
			c.log.Debug("upstream stream opened",
				zap.String("provider", name),
				zap.String("slot", slot),
				zap.Duration("latency", time.Since(start)),
			)
			return &Response{Stream: stream, Provider: name, Slot: slot, Attempts: i + 1}, nil
		}

		lastErr = err
		kind := Classify(err)
		if ctx.Err() != nil {
			kind = KindUnavailable
		}
		metrics.RecordUpstreamAttempt(name, i, string(kind))
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.String("slot", slot),
			attribute.String("outcome", string(kind)),
		))
		c.log.Warn("upstream call rejected",
			zap.String("provider", name),
			zap.String("slot", slot),
			zap.String("kind", string(kind)),
			zap.Int("status", statusOf(err)),
		)

		if kind == KindRateLimited && i < len(c.keys)-1 && ctx.Err() == nil {
			metrics.UpstreamFailovers.WithLabelValues(name).Inc()
			c.log.Info("failing over to next credential",
				zap.String("provider", name),
				zap.String("from", slot),
				zap.String("to", SlotName(i+1)),
			)
			continue
		}

		span.SetAttributes(attribute.Int("upstream.attempts", i+1))
		span.SetStatus(codes.Error, string(kind))
		return nil, &Error{Kind: kind, Attempts: i + 1, Err: err}
	}

	// Unreachable with at least one key.
	return nil, &Error{Kind: KindUnavailable, Attempts: len(c.keys), Err: fmt.Errorf("no credential succeeded: %w", lastErr)}
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
