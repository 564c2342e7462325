// Package relay pumps an upstream completion stream to the client as SSE.
package relay

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/upstream"
	"github.com/folio-labs/chat-edge/pkg/logger"
	"github.com/folio-labs/chat-edge/pkg/metrics"
)

// DefaultIdleTimeout bounds the wait for the next upstream delta.
const DefaultIdleTimeout = 30 * time.Second

// Outcome describes how a relay ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeIdleTimeout   Outcome = "idle_timeout"
	OutcomeClientGone    Outcome = "client_gone"
)

// Result summarises one relay.
type Result struct {
	Outcome Outcome
	Deltas  int
	Err     error
}

// Relay copies deltas from an upstream stream to a client.
type Relay struct {
	idleTimeout time.Duration
	log         *logger.Logger
}

// New creates a relay. A non-positive idle timeout uses DefaultIdleTimeout.
func New(idleTimeout time.Duration, log *logger.Logger) *Relay {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Relay{idleTimeout: idleTimeout, log: logger.OrNop(log).Named("relay")}
}

// Run forwards every delta from src to out as it arrives and finishes with
// [DONE], or with exactly one error frame if the upstream breaks or goes
// idle. When ctx ends (the client went away) Run stops without writing.
// Run closes src.
func (r *Relay) Run(ctx context.Context, src upstream.Stream, out *Writer) Result {
	metrics.IncrementRelays()
	defer metrics.DecrementRelays()
	start := time.Now()

	res := r.pump(ctx, src, out)

	src.Close()
	metrics.RecordRelay(string(res.Outcome), time.Since(start).Seconds())
	if res.Outcome != OutcomeCompleted {
		r.log.Info("relay ended early",
			zap.String("outcome", string(res.Outcome)),
			zap.Int("deltas", res.Deltas),
			zap.Error(res.Err),
		)
	}
	return res
}

func (r *Relay) pump(ctx context.Context, src upstream.Stream, out *Writer) Result {
	var idle atomic.Bool
	timer := time.AfterFunc(r.idleTimeout, func() {
		idle.Store(true)
		src.Close()
	})
	defer timer.Stop()

	stopCtx := context.AfterFunc(ctx, func() { src.Close() })
	defer stopCtx()

	res := Result{}
	for {
		text, err := src.Recv()
		if errors.Is(err, io.EOF) && !idle.Load() && ctx.Err() == nil {
			if werr := out.Done(); werr != nil {
				return Result{Outcome: OutcomeClientGone, Deltas: res.Deltas, Err: werr}
			}
			res.Outcome = OutcomeCompleted
			return res
		}
		if err != nil {
			if ctx.Err() != nil {
				return Result{Outcome: OutcomeClientGone, Deltas: res.Deltas, Err: ctx.Err()}
			}
			res.Err = err
			msg := model.MsgStreamInterrupted
			res.Outcome = OutcomeUpstreamError
			var se *upstream.StreamError
			switch {
			case idle.Load():
				msg = model.MsgStreamTimeout
				res.Outcome = OutcomeIdleTimeout
			case errors.As(err, &se):
				msg = model.MsgServiceUnavailable
			}
			if werr := out.Error(msg); werr != nil {
				res.Outcome = OutcomeClientGone
			}
			return res
		}

		timer.Reset(r.idleTimeout)
		if text == "" {
			continue
		}
		if werr := out.Text(text); werr != nil {
			return Result{Outcome: OutcomeClientGone, Deltas: res.Deltas, Err: werr}
		}
		res.Deltas++
	}
}
