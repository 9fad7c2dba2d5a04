package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateCall is returned when a call id is already registered.
	ErrDuplicateCall = errors.New("call already registered")
	// ErrRegistryClosed is returned by Register once CancelAll has run.
	ErrRegistryClosed = errors.New("registry closed")
)

// Registry is the process-wide table of active calls. It is only used for
// reporting and shutdown; audio forwarding never touches it.
type Registry struct {
	mu     sync.RWMutex
	calls  map[string]*registered
	closed bool
	// empty is closed whenever calls is empty.
	empty chan struct{}
}

type registered struct {
	call   *Orchestrator
	cancel context.CancelFunc
	once   sync.Once
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	empty := make(chan struct{})
	close(empty)
	return &Registry{calls: make(map[string]*registered), empty: empty}
}

// Register adds a call. The returned func removes it and is safe to call
// more than once.
func (r *Registry) Register(o *Orchestrator, cancel context.CancelFunc) (unregister func(), err error) {
	entry := &registered{call: o, cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRegistryClosed, o.ID())
	}
	if _, ok := r.calls[o.ID()]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, o.ID())
	}
	if len(r.calls) == 0 {
		r.empty = make(chan struct{})
	}
	r.calls[o.ID()] = entry
	r.mu.Unlock()

	return func() { r.unregister(o.ID(), entry) }, nil
}

func (r *Registry) unregister(id string, entry *registered) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.calls[id] == entry {
			delete(r.calls, id)
			if len(r.calls) == 0 {
				close(r.empty)
			}
		}
		r.mu.Unlock()
	})
}

// Get returns the call with the given id.
func (r *Registry) Get(id string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.calls[id]
	if !ok {
		return nil, false
	}
	return entry.call, true
}

// Count returns the number of registered calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Snapshots returns a snapshot of every call, oldest first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	calls := make([]*Orchestrator, 0, len(r.calls))
	for _, entry := range r.calls {
		calls = append(calls, entry.call)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(calls))
	for _, c := range calls {
		snaps = append(snaps, c.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].StartedAt.Before(snaps[j].StartedAt) })
	return snaps
}

// CancelAll closes the registry to new calls, cancels every registered call
// and returns how many there were.
func (r *Registry) CancelAll() (canceled int) {
	var cancels []context.CancelFunc
	r.mu.Lock()
	r.closed = true
	for _, entry := range r.calls {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	for {
		r.mu.RLock()
		n, empty := len(r.calls), r.empty
		r.mu.RUnlock()
		if n == 0 {
			return true
		}

		select {
		case <-empty:
		case <-ctx.Done():
			return false
		}
	}
}
