// Package invoker executes one batch through its service handler and turns
// whatever happens (results, error, panic, timeout, wrong result count) into
// exactly one outcome per batch member.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/next-trace/scg-rpc-bus/batch"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/envelope"
	"github.com/next-trace/scg-rpc-bus/registry"
)

// Invoker calls handlers. It holds no per-service state and is safe for
// concurrent use.
type Invoker struct {
	logger *slog.Logger
	obs    rpc.Observer
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithObserver reports handler durations and outcome kinds.
func WithObserver(o rpc.Observer) Option {
	return func(i *Invoker) {
		if o != nil {
			i.obs = o
		}
	}
}

// New constructs an Invoker.
func New(opts ...Option) *Invoker {
	inv := &Invoker{logger: slog.Default(), obs: rpc.NopObserver{}}
	for _, o := range opts {
		o(inv)
	}

	return inv
}

// Invoke runs b and returns one outcome per member, in member order.
//
// Outcomes are returned as soon as they are known: when the call timeout
// elapses the members fail immediately while the handler, whose context is
// cancelled, may still be running. finished is closed once the handler has
// actually returned; callers holding an exclusive slot wait on it before
// releasing the slot.
func (inv *Invoker) Invoke(ctx context.Context, b *batch.Batch) (outcomes []envelope.Outcome, finished <-chan struct{}) {
	svc := b.Service

	outcomes, finished = inv.call(ctx, svc, b.Args())

	if !svc.IsolateFailures || b.Len() < 2 || outcomes[0].ErrorKind != berr.ErrCodeHandlerError {
		return outcomes, finished
	}

	// re-run every member alone, one at a time, inside the caller's slot
	<-finished

	inv.logger.Info("rpc: batch failed, isolating members", "service", svc.Name, "batch_size", b.Len())

	isolated := make([]envelope.Outcome, b.Len())

	for i, m := range b.Members {
		out, done := inv.call(ctx, svc, []rpc.Args{m.Request.Args})
		<-done

		isolated[i] = out[0]
	}

	closed := make(chan struct{})
	close(closed)

	return isolated, closed
}

type handlerReturn struct {
	results []any
	err     error
}

func (inv *Invoker) call(parent context.Context, svc registry.ServiceBinding, args []rpc.Args) ([]envelope.Outcome, <-chan struct{}) {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if svc.CallTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, svc.CallTimeout)
	}

	ret := make(chan handlerReturn, 1)
	finished := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(finished)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				ret <- handlerReturn{err: fmt.Errorf("panic: %v", r)}
			}
		}()

		results, err := svc.Handler(ctx, args)
		ret <- handlerReturn{results: results, err: err}
	}()

	var outcomes []envelope.Outcome

	select {
	case r := <-ret:
		outcomes = inv.outcomes(parent, ctx, svc, len(args), r)
	case <-ctx.Done():
		outcomes = fill(len(args), inv.aborted(parent, svc))
	}

	kind := ""
	if len(outcomes) > 0 && !outcomes[0].OK() {
		kind = outcomes[0].ErrorKind
	}

	inv.obs.HandlerFinished(svc.Name, len(args), time.Since(start), kind)

	return outcomes, finished
}

func (inv *Invoker) aborted(parent context.Context, svc registry.ServiceBinding) envelope.Outcome {
	if parent.Err() != nil {
		inv.logger.Warn("rpc: handler aborted", "service", svc.Name, "err", parent.Err())
		return envelope.Failure(berr.ErrCodeClosed, "service shutting down")
	}

	inv.logger.Warn("rpc: handler timed out", "service", svc.Name, "timeout", svc.CallTimeout)

	return envelope.Failure(berr.ErrCodeTimeout, fmt.Sprintf("%s exceeded %s", svc.Name, svc.CallTimeout))
}

func (inv *Invoker) outcomes(parent, ctx context.Context, svc registry.ServiceBinding, n int, r handlerReturn) []envelope.Outcome {
	if r.err != nil {
		if ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
			return fill(n, inv.aborted(parent, svc))
		}

		inv.logger.Warn("rpc: handler failed", "service", svc.Name, "batch_size", n, "err", r.err)

		return fill(n, envelope.Failure(berr.ErrCodeHandlerError, r.err.Error()))
	}

	if len(r.results) != n {
		msg := fmt.Sprintf("%s returned %d results for %d calls", svc.Name, len(r.results), n)
		inv.logger.Error("rpc: handler broke result contract", "service", svc.Name, "want", n, "got", len(r.results))

		return fill(n, envelope.Failure(berr.ErrCodeHandlerContract, msg))
	}

	out := make([]envelope.Outcome, n)

	for i, v := range r.results {
		raw, err := json.Marshal(v)
		if err != nil {
			out[i] = envelope.Failure(berr.ErrCodeSerializationFailed, err.Error())
			continue
		}

		out[i] = envelope.Success(raw)
	}

	return out
}

func fill(n int, o envelope.Outcome) []envelope.Outcome {
	out := make([]envelope.Outcome, n)
	for i := range out {
		out[i] = o
	}

	return out
}
