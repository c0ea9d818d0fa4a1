// Package change provides the state-plus-action stream every TACS component
// publishes. A subscriber always starts from the current state.
package change

import (
	"sync"
)

// Change pairs a snapshot of a component's state with the action that produced it.
// The zero Action is the initial action replayed on subscription.
type Change[S, A any] struct {
	State  S
	Action A
}

// Observable is the read side of a Subject.
type Observable[S, A any] interface {
	State() S
	Subscribe(fn func(Change[S, A])) *Subscription
}

var _ Observable[int, int] = (*Subject[int, int])(nil)

// Subject holds the current state of a component and fans changes out to
// subscribers in subscription order. Send is expected to be serialized by the
// owner, usually by running it on its work queue; Subscribe may be called from
// any goroutine. Subscribers may call Send on other subjects.
type Subject[S, A any] struct {
	mu     sync.Mutex
	state  S
	clone  func(S) S
	nextID uint64
	subs   map[uint64]*subscriber[S, A]
	order  []uint64
}

// subscriber queues the changes sent while its initial replay is running, so
// it never sees a change older than the state it was replayed.
type subscriber[S, A any] struct {
	fn func(Change[S, A])

	mu        sync.Mutex
	replaying bool
	pending   []Change[S, A]
}

func (sub *subscriber[S, A]) deliver(c Change[S, A]) {
	sub.mu.Lock()
	if sub.replaying {
		sub.pending = append(sub.pending, c)
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()
	sub.fn(c)
}

// replay delivers initial, then whatever arrived meanwhile.
func (sub *subscriber[S, A]) replay(initial Change[S, A]) {
	sub.fn(initial)
	for {
		sub.mu.Lock()
		if len(sub.pending) == 0 {
			sub.replaying = false
			sub.mu.Unlock()
			return
		}
		c := sub.pending[0]
		sub.pending = sub.pending[1:]
		sub.mu.Unlock()
		sub.fn(c)
	}
}

// NewSubject returns a subject seeded with state. clone copies a state so that
// subscribers never share memory with the owner; nil means S is a value type.
func NewSubject[S, A any](state S, clone func(S) S) *Subject[S, A] {
	if clone == nil {
		clone = func(s S) S { return s }
	}
	return &Subject[S, A]{
		state: state,
		clone: clone,
		subs:  map[uint64]*subscriber[S, A]{},
	}
}

// State returns a snapshot of the current state.
func (s *Subject[S, A]) State() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clone(s.state)
}

// Subscribe replays the current state with the zero action on the calling
// goroutine, then delivers every following change. Changes sent during the
// replay are delivered after it, in order.
func (s *Subject[S, A]) Subscribe(fn func(Change[S, A])) *Subscription {
	sub := &subscriber[S, A]{fn: fn, replaying: true}

	s.mu.Lock()
	initial := Change[S, A]{State: s.clone(s.state)}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.order = append(s.order, id)
	s.mu.Unlock()

	sub.replay(initial)

	return &Subscription{cancel: func() { s.unsubscribe(id) }}
}

// Send records the new state and delivers the change to every subscriber.
func (s *Subject[S, A]) Send(state S, action A) {
	s.mu.Lock()
	s.state = state
	subs := make([]*subscriber[S, A], 0, len(s.order))
	for _, id := range s.order {
		if sub, ok := s.subs[id]; ok {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(Change[S, A]{State: s.clone(state), Action: action})
	}
}

func (s *Subject[S, A]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Subscription cancels delivery to one subscriber.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel stops delivery. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}
