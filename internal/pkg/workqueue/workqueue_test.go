package workqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"
)

func TestDispatchRunsInOrder(t *testing.T) {
	q := New()
	defer q.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		q.Dispatch(func() { got = append(got, i) })
	}
	q.Flush()

	if len(got) != 100 {
		t.Fatalf("ran %d functions, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, out of order", i, v)
		}
	}
}

func TestFlushWaitsForNestedDispatch(t *testing.T) {
	q := New()
	defer q.Stop()

	var got []string
	q.Dispatch(func() {
		got = append(got, "outer")
		q.Dispatch(func() { got = append(got, "inner") })
	})
	q.Flush()

	if diff := cmp.Diff([]string{"outer", "inner"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchFromManyGoroutines(t *testing.T) {
	q := New()
	defer q.Stop()

	var (
		wg sync.WaitGroup
		n  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Dispatch(func() { n++ })
			}
		}()
	}
	wg.Wait()
	q.Flush()

	if n != 400 {
		t.Errorf("n = %d, want 400", n)
	}
}

func TestStop(t *testing.T) {
	q := New()
	q.Stop()
	q.Stop()

	if q.Dispatch(func() {}) {
		t.Error("Dispatch after Stop returned true")
	}
	q.Flush()
}

func TestAfterFunc(t *testing.T) {
	q := New()
	defer q.Stop()
	clk := testingclock.NewFakeClock(time.Unix(0, 0))

	fired := 0
	q.AfterFunc(clk, time.Second, func() { fired++ })

	clk.Step(999 * time.Millisecond)
	q.Flush()
	if fired != 0 {
		t.Fatalf("fired early")
	}

	clk.Step(time.Millisecond)
	q.Flush()
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestAfterFuncStop(t *testing.T) {
	q := New()
	defer q.Stop()
	clk := testingclock.NewFakeClock(time.Unix(0, 0))

	fired := false
	tm := q.AfterFunc(clk, time.Second, func() { fired = true })
	tm.Stop()

	clk.Step(2 * time.Second)
	q.Flush()
	if fired {
		t.Error("stopped timer fired")
	}
}
