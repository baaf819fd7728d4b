// Package batch assembles arriving requests for one service into batches
// that close when they reach the binding's batch size or when its batch
// window elapses after the first member arrived, whichever happens first.
package batch

import (
	"fmt"
	"sync"
	"time"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/envelope"
	"github.com/next-trace/scg-rpc-bus/registry"
)

// Member is one decoded request together with the delivery that carried it.
type Member struct {
	Request   envelope.Request
	Delivery  rpc.Delivery
	ArrivedAt time.Time
}

// Batch is a group of members executed by one handler invocation.
// Members keep arrival order.
type Batch struct {
	Service  registry.ServiceBinding
	Members  []Member
	OpenedAt time.Time
}

// Len returns the number of members.
func (b *Batch) Len() int { return len(b.Members) }

// Args returns the positional arguments of every member, in member order.
func (b *Batch) Args() []rpc.Args {
	out := make([]rpc.Args, len(b.Members))
	for i, m := range b.Members {
		out[i] = m.Request.Args
	}

	return out
}

// Assembler keeps one open batch per service. emit receives closed batches
// in closing order; it is called with the assembler lock held and must not
// block or call back into the Assembler.
type Assembler struct {
	binding registry.ServiceBinding
	emit    func(*Batch)

	mu     sync.Mutex
	open   *Batch
	timer  *time.Timer
	closed bool
}

// NewAssembler builds an assembler for binding b.
func NewAssembler(b registry.ServiceBinding, emit func(*Batch)) *Assembler {
	return &Assembler{binding: b, emit: emit}
}

// Add appends m to the open batch, opening one if needed.
func (a *Assembler) Add(m Member) error {
	if m.ArrivedAt.IsZero() {
		m.ArrivedAt = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("batch %s: %w", a.binding.Name, berr.ErrClosed)
	}

	if a.open == nil {
		a.open = &Batch{
			Service:  a.binding,
			Members:  make([]Member, 0, a.binding.BatchSize),
			OpenedAt: m.ArrivedAt,
		}

		if a.binding.BatchSize > 1 && a.binding.BatchWindow > 0 {
			a.armTimer(a.open)
		}
	}

	a.open.Members = append(a.open.Members, m)

	if len(a.open.Members) >= a.binding.BatchSize {
		a.closeOpen()
	}

	return nil
}

// Flush emits the open batch now, even if partial.
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeOpen()
}

// Close flushes the open batch and rejects further members.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeOpen()
	a.closed = true
}

func (a *Assembler) armTimer(b *Batch) {
	a.timer = time.AfterFunc(a.binding.BatchWindow, func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		// the batch may already have closed on size
		if a.open == b {
			a.closeOpen()
		}
	})
}

// closeOpen must be called with mu held.
func (a *Assembler) closeOpen() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	b := a.open
	a.open = nil

	if b != nil && len(b.Members) > 0 {
		a.emit(b)
	}
}
