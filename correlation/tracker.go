// Package correlation maps in-flight correlation ids to the party awaiting
// their outcome. Every PendingCall is completed exactly once: by a reply, by
// its deadline, or by cancellation. Later completions are dropped.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/envelope"
)

// NewID returns a fresh correlation id.
func NewID() string { return uuid.NewString() }

// PendingCall is a future completed exactly once with an Outcome.
type PendingCall struct {
	ID       string
	Service  string
	Deadline time.Time
	Started  time.Time

	done    chan struct{}
	once    sync.Once
	outcome envelope.Outcome
	timer   *time.Timer
}

func (p *PendingCall) complete(out envelope.Outcome) bool {
	completed := false

	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}

		p.outcome = out
		completed = true
		close(p.done)
	})

	return completed
}

// Done is closed once the call has an outcome.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Outcome returns the outcome and whether the call is complete.
func (p *PendingCall) Outcome() (envelope.Outcome, bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return envelope.Outcome{}, false
	}
}

// Wait blocks until the call completes or ctx is done.
func (p *PendingCall) Wait(ctx context.Context) (envelope.Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return envelope.Outcome{}, ctx.Err()
	}
}

// Tracker is a concurrency-safe table of pending calls.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
	logger  *slog.Logger
}

// New constructs a Tracker. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{pending: make(map[string]*PendingCall), logger: logger}
}

// Register adds a pending call. A non-zero deadline arms a timer that
// completes the call with a timeout failure. Registering an id that is
// already pending fails.
func (t *Tracker) Register(id, service string, deadline time.Time) (*PendingCall, error) {
	p := &PendingCall{
		ID:       id,
		Service:  service,
		Deadline: deadline,
		Started:  time.Now(),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("register %s: correlation id already pending", id)
	}

	t.pending[id] = p

	if !deadline.IsZero() {
		p.timer = time.AfterFunc(time.Until(deadline), func() {
			t.Expire(id)
		})
	}

	return p, nil
}

// Resolve completes the pending call for id. It reports false, and only logs,
// when no such call exists (already timed out, cancelled or a duplicate
// delivery).
func (t *Tracker) Resolve(id string, out envelope.Outcome) bool {
	p := t.take(id)
	if p == nil {
		t.logger.Debug("rpc: dropping reply without pending call", "correlation_id", id)
		return false
	}

	return p.complete(out)
}

// Expire completes the call for id with a timeout failure.
func (t *Tracker) Expire(id string) bool {
	p := t.take(id)
	if p == nil {
		return false
	}

	return p.complete(envelope.Failure(berr.ErrCodeTimeout, fmt.Sprintf("no reply for %s within deadline", p.Service)))
}

// Cancel completes the call for id with a failure derived from err. Context
// errors map to timeout or canceled; a wrapped Failure keeps its kind and
// anything else reads as closed.
func (t *Tracker) Cancel(id string, err error) bool {
	p := t.take(id)
	if p == nil {
		return false
	}

	if err == nil {
		err = context.Canceled
	}

	var f *berr.Failure
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		f = berr.FromContext(err)
	} else {
		f = berr.FailureFrom(err, berr.ErrCodeClosed)
	}

	return p.complete(envelope.Failure(f.Kind, err.Error()))
}

// FailAll completes every pending call with out and empties the table.
func (t *Tracker) FailAll(out envelope.Outcome) int {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[string]*PendingCall)
	t.mu.Unlock()

	for _, p := range calls {
		p.complete(out)
	}

	return len(calls)
}

// Pending reports whether id is still awaiting an outcome.
func (t *Tracker) Pending(id string) bool {
	t.mu.Lock()
	_, ok := t.pending[id]
	t.mu.Unlock()

	return ok
}

// Len returns the number of pending calls.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

func (t *Tracker) take(id string) *PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil
	}

	delete(t.pending, id)

	return p
}
