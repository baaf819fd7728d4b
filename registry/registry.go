// Package registry holds the binding table that maps a logical service name
// to its queue, handler and execution tunables.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// DefaultBatchWindow applies when BatchSize > 1 and no window is configured,
// so partial batches on quiet services still dispatch.
const DefaultBatchWindow = 100 * time.Millisecond

// Options is the registration descriptor. Zero values select the defaults:
// queue = name, one pool slot, batches of one, no call timeout.
type Options struct {
	Queue       string
	PoolSize    int
	BatchSize   int
	BatchWindow time.Duration
	Timeout     time.Duration
	// Prefetch bounds unacknowledged deliveries; zero means PoolSize*BatchSize.
	Prefetch int
	// IsolateFailures re-runs every member of a failed batch on its own.
	IsolateFailures bool
}

// ServiceBinding is an immutable registration record.
type ServiceBinding struct {
	Name            string
	Queue           string
	Handler         rpc.Handler
	PoolSize        int
	BatchSize       int
	BatchWindow     time.Duration
	CallTimeout     time.Duration
	Prefetch        int
	IsolateFailures bool
}

// NewBinding validates opts and applies defaults.
func NewBinding(name string, h rpc.Handler, opts Options) (ServiceBinding, error) {
	if name == "" {
		return ServiceBinding{}, fmt.Errorf("bind: empty service name: %w", berr.ErrInvalidBinding)
	}

	if h == nil {
		return ServiceBinding{}, fmt.Errorf("bind %s: nil handler: %w", name, berr.ErrInvalidBinding)
	}

	if opts.PoolSize < 0 || opts.BatchSize < 0 || opts.BatchWindow < 0 || opts.Timeout < 0 || opts.Prefetch < 0 {
		return ServiceBinding{}, fmt.Errorf("bind %s: negative tunable: %w", name, berr.ErrInvalidBinding)
	}

	b := ServiceBinding{
		Name:            name,
		Queue:           opts.Queue,
		Handler:         h,
		PoolSize:        opts.PoolSize,
		BatchSize:       opts.BatchSize,
		BatchWindow:     opts.BatchWindow,
		CallTimeout:     opts.Timeout,
		Prefetch:        opts.Prefetch,
		IsolateFailures: opts.IsolateFailures,
	}

	if b.Queue == "" {
		b.Queue = name
	}

	if b.PoolSize == 0 {
		b.PoolSize = 1
	}

	if b.BatchSize == 0 {
		b.BatchSize = 1
	}

	if b.BatchSize > 1 && b.BatchWindow == 0 {
		b.BatchWindow = DefaultBatchWindow
	}

	if b.Prefetch == 0 {
		b.Prefetch = b.PoolSize * b.BatchSize
	}

	return b, nil
}

// Remote declares a service served by another process: callers only need
// its queue. The binding has no handler and cannot be served locally.
func Remote(name, queue string) ServiceBinding {
	if queue == "" {
		queue = name
	}

	return ServiceBinding{Name: name, Queue: queue, PoolSize: 1, BatchSize: 1}
}

// Local reports whether the binding carries a handler.
func (b ServiceBinding) Local() bool { return b.Handler != nil }

// Registry is a read-mostly lookup table of bindings. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]ServiceBinding
	queues   map[string]string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		bindings: make(map[string]ServiceBinding),
		queues:   make(map[string]string),
	}
}

// Register adds b. A second binding for the same name, or for a queue that
// is already served, is rejected with ErrDuplicateService.
func (r *Registry) Register(b ServiceBinding) error {
	if b.Name == "" || b.Queue == "" || b.PoolSize < 1 || b.BatchSize < 1 {
		return fmt.Errorf("register %q: %w", b.Name, berr.ErrInvalidBinding)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[b.Name]; exists {
		return fmt.Errorf("register %s: %w", b.Name, berr.ErrDuplicateService)
	}

	if owner, taken := r.queues[b.Queue]; taken {
		return fmt.Errorf("register %s: queue %s served by %s: %w", b.Name, b.Queue, owner, berr.ErrDuplicateService)
	}

	r.bindings[b.Name] = b
	r.queues[b.Queue] = b.Name

	return nil
}

// Resolve returns the binding registered under name.
func (r *Registry) Resolve(name string) (ServiceBinding, error) {
	r.mu.RLock()
	b, ok := r.bindings[name]
	r.mu.RUnlock()

	if !ok {
		return ServiceBinding{}, fmt.Errorf("resolve %s: %w", name, berr.ErrUnknownService)
	}

	return b, nil
}

// Bindings returns every binding sorted by name.
func (r *Registry) Bindings() []ServiceBinding {
	r.mu.RLock()
	out := make([]ServiceBinding, 0, len(r.bindings))

	for _, b := range r.bindings {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
