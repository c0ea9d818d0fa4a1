package keyholder

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/radio"
	"github.com/autopeer-io/tacs/internal/tacs/radio/radiotest"
	"github.com/autopeer-io/tacs/pkg/log"
)

type harness struct {
	q       *workqueue.Queue
	clock   *testingclock.FakeClock
	radio   *radiotest.Fake
	id      *uuid.UUID
	m       *Manager
	changes []Change
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := workqueue.New()
	t.Cleanup(q.Stop)
	id := keyholderID
	h := &harness{
		q:     q,
		clock: testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		radio: radiotest.New(),
		id:    &id,
	}
	provider := func() (uuid.UUID, bool) {
		if h.id == nil {
			return uuid.Nil, false
		}
		return *h.id, true
	}
	h.m = New(q, h.radio, h.clock, provider, log.NewTestLogger(t))
	h.m.Changes().Subscribe(func(c Change) { h.changes = append(h.changes, c) })
	return h
}

func (h *harness) request(timeout time.Duration) {
	h.m.RequestStatus(timeout)
	h.q.Flush()
}

func (h *harness) advertise(data []byte) {
	h.radio.Advertise(radio.Advertisement{Peripheral: "kh", ManufacturerData: data, Services: []string{ServiceUUID}})
	h.q.Flush()
}

func (h *harness) actions() []Action {
	var out []Action
	for _, c := range h.changes[1:] {
		out = append(out, c.Action)
	}
	return out
}

func (h *harness) last() Change { return h.changes[len(h.changes)-1] }

func TestDiscovered(t *testing.T) {
	h := newHarness(t)
	h.request(5 * time.Second)

	if scanning, filter := h.radio.Scanning(); !scanning || !cmp.Equal(filter, []string{ServiceUUID}) {
		t.Fatalf("scanning=%v filter=%v", scanning, filter)
	}

	h.advertise(advert(uuid.New(), 0x0400, 1, 0, 0))
	h.advertise([]byte{0x0A, 0x07, 1})
	if h.last().State != StateSearching {
		t.Fatal("foreign or broken advert ended the scan")
	}

	h.advertise(advert(keyholderID, 0x0400, 7, 1, 2))
	info := Info{KeyholderID: keyholderID, BatteryVoltage: 3.6, ActivationCount: 7, CardInserted: true, BatteryChangeCount: 2}
	want := []Action{{Kind: ActionDiscoveryStarted}, {Kind: ActionDiscovered, Info: info}}
	if diff := cmp.Diff(want, h.actions()); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
	if scanning, _ := h.radio.Scanning(); scanning {
		t.Error("scan still running")
	}

	h.clock.Step(10 * time.Second)
	h.q.Flush()
	if len(h.changes) != 3 {
		t.Errorf("timer fired after discovery: %v", h.actions())
	}
}

func TestTimeout(t *testing.T) {
	h := newHarness(t)
	h.request(5 * time.Second)

	h.clock.Step(4 * time.Second)
	h.q.Flush()
	if h.last().State != StateSearching {
		t.Fatal("timed out early")
	}

	h.clock.Step(time.Second)
	h.q.Flush()
	want := Change{State: StateStopped, Action: Action{Kind: ActionFailed, Failure: FailureScanTimeout}}
	if diff := cmp.Diff(want, h.last()); diff != "" {
		t.Errorf("change (-want +got):\n%s", diff)
	}
	if scanning, _ := h.radio.Scanning(); scanning {
		t.Error("scan still running")
	}
}

func TestRequestIgnoredWhileSearching(t *testing.T) {
	h := newHarness(t)
	h.request(5 * time.Second)
	h.request(5 * time.Second)

	if n := len(h.radio.Ops("scan")); n != 1 {
		t.Errorf("scanned %d times", n)
	}
	if len(h.changes) != 2 {
		t.Errorf("actions = %v", h.actions())
	}
}

func TestKeyholderIDMissing(t *testing.T) {
	h := newHarness(t)
	h.id = nil
	h.request(5 * time.Second)

	want := []Action{{Kind: ActionFailed, Failure: FailureKeyholderIDMissing}}
	if diff := cmp.Diff(want, h.actions()); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
	if ops := h.radio.Ops("scan"); len(ops) != 0 {
		t.Error("scan started without keyholder id")
	}
}

func TestBluetoothOff(t *testing.T) {
	t.Run("before request", func(t *testing.T) {
		h := newHarness(t)
		h.radio.SetState(radio.StatePoweredOff)
		h.q.Flush()
		h.request(5 * time.Second)

		want := []Action{{Kind: ActionFailed, Failure: FailureBluetoothOff}}
		if diff := cmp.Diff(want, h.actions()); diff != "" {
			t.Errorf("actions (-want +got):\n%s", diff)
		}
	})

	t.Run("while searching", func(t *testing.T) {
		h := newHarness(t)
		h.request(5 * time.Second)
		h.radio.SetState(radio.StatePoweredOff)
		h.q.Flush()

		want := Change{State: StateStopped, Action: Action{Kind: ActionFailed, Failure: FailureBluetoothOff}}
		if diff := cmp.Diff(want, h.last()); diff != "" {
			t.Errorf("change (-want +got):\n%s", diff)
		}

		h.clock.Step(5 * time.Second)
		h.q.Flush()
		if len(h.changes) != 3 {
			t.Errorf("timer fired after adapter off: %v", h.actions())
		}
	})
}
