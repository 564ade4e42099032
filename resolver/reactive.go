package resolver

import (
	"context"
	"sync"

	"github.com/c360/nodekit/errors"
)

// State is the lifecycle of a reactive store. A store starts Loading and
// moves exactly once to Ready or Failed.
type State int

const (
	// Loading means resolution is still in flight.
	Loading State = iota
	// Ready means the store settled with a resolution (possibly absent).
	Ready
	// Failed means resolution hit an invalid-input error.
	Failed
)

// Store is a reactive value container around one resolution. Listeners
// registered before the transition fire exactly once when it settles;
// listeners registered after fire immediately.
type Store struct {
	mu        sync.Mutex
	state     State
	res       *Resolution
	err       error
	listeners map[int]func()
	nextToken int
}

func newStore() *Store {
	return &Store{listeners: make(map[int]func())}
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the settled resolution or error. Before the transition it
// returns (nil, nil) with state Loading.
func (s *Store) Result() (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res, s.err
}

// Subscribe registers a listener for the settle transition. If the store
// already settled, the listener is invoked synchronously before Subscribe
// returns. The returned cancel unregisters the listener; it is safe to call
// after the listener fired.
func (s *Store) Subscribe(fn func()) (cancel func()) {
	s.mu.Lock()
	if s.state != Loading {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	token := s.nextToken
	s.nextToken++
	s.listeners[token] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, token)
		s.mu.Unlock()
	}
}

// Wait blocks until the store settles or ctx is cancelled.
func (s *Store) Wait(ctx context.Context) (*Resolution, error) {
	done := make(chan struct{})
	cancel := s.Subscribe(func() { close(done) })
	defer cancel()

	select {
	case <-done:
		return s.Result()
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "resolver", "Wait", "reactive wait")
	}
}

// settle moves the store out of Loading exactly once; later calls are
// ignored. Listeners run outside the lock.
func (s *Store) settle(res *Resolution, err error) {
	s.mu.Lock()
	if s.state != Loading {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.state = Failed
		s.err = err
	} else {
		s.state = Ready
		s.res = res
	}
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listeners = make(map[int]func())
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ResolveReactive resolves an identifier without blocking the caller: the
// returned store starts Loading and settles once with the resolution or an
// invalid-input error. It republishes through the same transformation logic
// as the blocking form and reuses the subscription cache underneath, so N
// reactive dependents on one identifier never open N low-level
// subscriptions.
func (r *Resolver) ResolveReactive(ctx context.Context, ident Identifier, opts Options) *Store {
	s := newStore()
	go func() {
		res, err := r.Resolve(ctx, ident, opts)
		s.settle(res, err)
	}()
	return s
}

// WatchReady is the lower-level reactive primitive: the returned store
// settles with a live-value resolution as soon as the node is available, or
// with an absent one after the timeout.
func (r *Resolver) WatchReady(ctx context.Context, id Identifier) *Store {
	return r.ResolveReactive(ctx, id, Options{Return: ReturnValue})
}
