package change

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type action int

const (
	initial action = iota
	added
	removed
)

func cloneMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	s := NewSubject[map[string]int, action](map[string]int{"a": 1}, cloneMap)

	var got []Change[map[string]int, action]
	sub := s.Subscribe(func(c Change[map[string]int, action]) { got = append(got, c) })
	defer sub.Cancel()

	s.Send(map[string]int{"a": 1, "b": 2}, added)
	s.Send(map[string]int{"b": 2}, removed)

	want := []Change[map[string]int, action]{
		{State: map[string]int{"a": 1}, Action: initial},
		{State: map[string]int{"a": 1, "b": 2}, Action: added},
		{State: map[string]int{"b": 2}, Action: removed},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestLateSubscriberSeesLatestState(t *testing.T) {
	s := NewSubject[int, action](0, nil)
	s.Send(3, added)

	var got Change[int, action]
	s.Subscribe(func(c Change[int, action]) { got = c })

	if got.State != 3 || got.Action != initial {
		t.Errorf("replayed %+v, want state 3 with initial action", got)
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	state := map[string]int{"a": 1}
	s := NewSubject[map[string]int, action](state, cloneMap)

	var seen map[string]int
	s.Subscribe(func(c Change[map[string]int, action]) { seen = c.State })
	seen["mutated"] = 1

	if _, ok := s.State()["mutated"]; ok {
		t.Error("subscriber mutation leaked into subject state")
	}
	if _, ok := state["mutated"]; ok {
		t.Error("subscriber mutation leaked into owner state")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewSubject[int, action](0, nil)

	var n int
	sub := s.Subscribe(func(Change[int, action]) { n++ })
	s.Send(1, added)
	sub.Cancel()
	sub.Cancel()
	s.Send(2, added)

	if n != 2 {
		t.Errorf("delivered %d changes, want 2", n)
	}
	if s.State() != 2 {
		t.Errorf("State() = %d, want 2", s.State())
	}
}

func TestDeliveryFollowsSubscriptionOrder(t *testing.T) {
	s := NewSubject[int, action](0, nil)

	var order []string
	s.Subscribe(func(c Change[int, action]) {
		if c.Action != initial {
			order = append(order, "first")
		}
	})
	s.Subscribe(func(c Change[int, action]) {
		if c.Action != initial {
			order = append(order, "second")
		}
	})
	s.Send(1, added)

	if diff := cmp.Diff([]string{"first", "second"}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribeDuringSends(t *testing.T) {
	const sends = 200
	s := NewSubject[int, action](0, nil)

	var wg sync.WaitGroup
	seen := make([][]int, 8)
	for i := range seen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Subscribe(func(c Change[int, action]) { seen[i] = append(seen[i], c.State) })
		}()
	}
	for n := 1; n <= sends; n++ {
		s.Send(n, added)
	}
	wg.Wait()

	for i, states := range seen {
		if len(states) == 0 {
			t.Fatalf("subscriber %d saw nothing", i)
		}
		for j := 1; j < len(states); j++ {
			if states[j] != states[j-1]+1 {
				t.Fatalf("subscriber %d saw %d after %d", i, states[j], states[j-1])
			}
		}
		if last := states[len(states)-1]; last != sends {
			t.Errorf("subscriber %d ended on %d, want %d", i, last, sends)
		}
	}
}

func TestSendFromReplayIsDeliveredAfterIt(t *testing.T) {
	s := NewSubject[int, action](0, nil)

	var got []Change[int, action]
	s.Subscribe(func(c Change[int, action]) {
		got = append(got, c)
		if c.Action == initial {
			s.Send(1, added)
		}
	})

	want := []Change[int, action]{{State: 0, Action: initial}, {State: 1, Action: added}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}
