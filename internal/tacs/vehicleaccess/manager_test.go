package vehicleaccess

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/servicegrant"
	"github.com/autopeer-io/tacs/pkg/log"
)

var equateEmpty = cmpopts.EquateEmpty()

var sorcID = uuid.MustParse("be2fecaf-734b-4252-8312-59d477200a20")

type fakeBroker struct {
	requested []keyring.ServiceGrantID
}

func (b *fakeBroker) Request(id keyring.ServiceGrantID) { b.requested = append(b.requested, id) }

type harness struct {
	q       *workqueue.Queue
	broker  *fakeBroker
	m       *Manager
	changes []Change
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := workqueue.New()
	t.Cleanup(q.Stop)
	h := &harness{q: q, broker: &fakeBroker{}}
	h.m = New(q, h.broker, log.NewTestLogger(t))
	h.m.Changes().Subscribe(func(c Change) { h.changes = append(h.changes, c) })
	return h
}

func (h *harness) request(f Feature) {
	h.m.RequestFeature(f)
	h.q.Flush()
}

// consume runs c through the manager on the queue.
func (h *harness) consume(c servicegrant.Change) (out servicegrant.Change, forwarded bool) {
	h.q.Dispatch(func() { out, forwarded = h.m.Consume(c) })
	h.q.Flush()
	return out, forwarded
}

func (h *harness) ack(f Feature, accepted bool, requesting ...keyring.ServiceGrantID) (servicegrant.Change, bool) {
	return h.consume(servicegrant.Change{
		State:  servicegrant.State{RequestingServiceGrantIDs: requesting},
		Action: servicegrant.Action{Kind: servicegrant.ActionRequestServiceGrant, GrantID: f.GrantID(), Accepted: accepted},
	})
}

func (h *harness) respond(f Feature, status servicegrant.Status, data string) (servicegrant.Change, bool) {
	return h.consume(servicegrant.Change{
		Action: servicegrant.Action{
			Kind:     servicegrant.ActionResponseReceived,
			Response: servicegrant.Response{SorcID: sorcID, GrantID: f.GrantID(), Status: status, Data: data},
		},
	})
}

func (h *harness) last() Change { return h.changes[len(h.changes)-1] }

func TestRequestFeature(t *testing.T) {
	h := newHarness(t)
	h.request(FeatureLock)

	if diff := cmp.Diff([]keyring.ServiceGrantID{2}, h.broker.requested, equateEmpty); diff != "" {
		t.Fatalf("requested grants (-want +got):\n%s", diff)
	}
	if len(h.changes) != 1 {
		t.Fatalf("ack pending, got %d changes", len(h.changes))
	}

	_, forwarded := h.ack(FeatureLock, true, 2)
	if forwarded {
		t.Error("own request ack forwarded")
	}
	want := Change{State: State{FeatureLock}, Action: Action{Kind: ActionRequestFeature, Feature: FeatureLock, Accepted: true}}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("change (-want +got):\n%s", diff)
	}
}

func TestRequestRejected(t *testing.T) {
	h := newHarness(t)
	h.request(FeatureUnlock)
	h.ack(FeatureUnlock, false)

	want := Change{State: State{}, Action: Action{
		Kind:     ActionRequestFeature,
		Feature:  FeatureUnlock,
		Response: Response{Feature: FeatureUnlock, Err: ErrorQueueFull},
	}}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("change (-want +got):\n%s", diff)
	}
}

func TestResponses(t *testing.T) {
	tests := []struct {
		name    string
		feature Feature
		status  servicegrant.Status
		data    string
		want    Response
	}{
		{"lock", FeatureLock, servicegrant.StatusSuccess, "", Response{Feature: FeatureLock}},
		{"unlock", FeatureUnlock, servicegrant.StatusSuccess, "", Response{Feature: FeatureUnlock}},
		{"locked", FeatureLockStatus, servicegrant.StatusSuccess, "LOCKED", Response{Feature: FeatureLockStatus, Locked: true}},
		{"unlocked", FeatureLockStatus, servicegrant.StatusSuccess, "UNLOCKED", Response{Feature: FeatureLockStatus}},
		{"lock status garbage", FeatureLockStatus, servicegrant.StatusSuccess, "AJAR", Response{Feature: FeatureLockStatus, Err: ErrorNotSupported}},
		{"ignition on", FeatureIgnitionStatus, servicegrant.StatusSuccess, "ENABLED", Response{Feature: FeatureIgnitionStatus, IgnitionEnabled: true}},
		{"ignition off", FeatureIgnitionStatus, servicegrant.StatusSuccess, "DISABLED", Response{Feature: FeatureIgnitionStatus}},
		{"ignition garbage", FeatureIgnitionStatus, servicegrant.StatusSuccess, "", Response{Feature: FeatureIgnitionStatus, Err: ErrorNotSupported}},
		{"enable", FeatureEnableIgnition, servicegrant.StatusSuccess, "", Response{Feature: FeatureEnableIgnition}},
		{"time frame", FeatureLock, servicegrant.StatusInvalidTimeFrame, "", Response{Feature: FeatureLock, Err: ErrorDenied}},
		{"not allowed", FeatureDisableIgnition, servicegrant.StatusNotAllowed, "", Response{Feature: FeatureDisableIgnition, Err: ErrorDenied}},
		{"failure", FeatureUnlock, servicegrant.StatusFailure, "", Response{Feature: FeatureUnlock, Err: ErrorRemoteFailed}},
		{"key destroyed", FeatureUnlock, servicegrant.StatusSuccess, "KEY_DESTROYED", Response{Feature: FeatureUnlock, Err: ErrorKeyDestroyed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.request(tt.feature)
			h.ack(tt.feature, true)

			if _, forwarded := h.respond(tt.feature, tt.status, tt.data); forwarded {
				t.Error("own response forwarded")
			}
			want := Change{State: State{}, Action: Action{Kind: ActionResponseReceived, Feature: tt.feature, Response: tt.want}}
			if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
				t.Errorf("change (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPendingResponseKeepsState(t *testing.T) {
	h := newHarness(t)
	h.request(FeatureLockStatus)
	h.ack(FeatureLockStatus, true)
	n := len(h.changes)

	if _, forwarded := h.respond(FeatureLockStatus, servicegrant.StatusPending, ""); forwarded {
		t.Error("pending response forwarded")
	}
	if len(h.changes) != n {
		t.Errorf("pending response emitted %d changes", len(h.changes)-n)
	}

	h.respond(FeatureLockStatus, servicegrant.StatusSuccess, "LOCKED")
	if got := h.last().Action.Response; !got.Locked || !got.Success() {
		t.Errorf("response = %+v", got)
	}
}

func TestUnsolicitedResponseForwarded(t *testing.T) {
	h := newHarness(t)
	n := len(h.changes)

	out, forwarded := h.respond(FeatureLock, servicegrant.StatusSuccess, "")
	if !forwarded {
		t.Fatal("unsolicited response consumed")
	}
	if out.Action.Kind != servicegrant.ActionResponseReceived {
		t.Errorf("forwarded %v", out.Action.Kind)
	}
	if len(h.changes) != n {
		t.Error("unsolicited response emitted a change")
	}
}

func TestForeignGrantsFiltered(t *testing.T) {
	h := newHarness(t)
	out, forwarded := h.consume(servicegrant.Change{
		State:  servicegrant.State{RequestingServiceGrantIDs: []keyring.ServiceGrantID{1, 9, 3}},
		Action: servicegrant.Action{Kind: servicegrant.ActionRequestServiceGrant, GrantID: 9, Accepted: true},
	})
	if !forwarded {
		t.Fatal("foreign request consumed")
	}
	if diff := cmp.Diff([]keyring.ServiceGrantID{9}, out.State.RequestingServiceGrantIDs, equateEmpty); diff != "" {
		t.Errorf("forwarded ids (-want +got):\n%s", diff)
	}
}

func TestRequestFailed(t *testing.T) {
	tests := []struct {
		name string
		kind servicegrant.ErrorKind
		want []Change
	}{
		{
			name: "not connected",
			kind: servicegrant.ErrorNotConnected,
			want: []Change{
				{State: State{FeatureLock}, Action: Action{Kind: ActionResponseReceived, Feature: FeatureUnlock, Response: Response{Feature: FeatureUnlock, Err: ErrorNotConnected}}},
				{State: State{}, Action: Action{Kind: ActionResponseReceived, Feature: FeatureLock, Response: Response{Feature: FeatureLock, Err: ErrorRemoteFailed}}},
			},
		},
		{
			name: "remote",
			kind: servicegrant.ErrorRemoteFailed,
			want: []Change{
				{State: State{FeatureLock}, Action: Action{Kind: ActionResponseReceived, Feature: FeatureUnlock, Response: Response{Feature: FeatureUnlock, Err: ErrorRemoteFailed}}},
				{State: State{}, Action: Action{Kind: ActionResponseReceived, Feature: FeatureLock, Response: Response{Feature: FeatureLock, Err: ErrorRemoteFailed}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.request(FeatureLock)
			h.ack(FeatureLock, true)
			h.request(FeatureUnlock)
			n := len(h.changes)

			out, forwarded := h.consume(servicegrant.Change{
				State:  servicegrant.State{RequestingServiceGrantIDs: []keyring.ServiceGrantID{2, 10}},
				Action: servicegrant.Action{Kind: servicegrant.ActionRequestFailed, Error: tt.kind},
			})
			if !forwarded {
				t.Fatal("request failure consumed")
			}
			if diff := cmp.Diff([]keyring.ServiceGrantID{10}, out.State.RequestingServiceGrantIDs, equateEmpty); diff != "" {
				t.Errorf("forwarded ids (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, h.changes[n:], equateEmpty); diff != "" {
				t.Errorf("changes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	reset := servicegrant.Change{Action: servicegrant.Action{Kind: servicegrant.ActionReset}}

	n := len(h.changes)
	if _, forwarded := h.consume(reset); !forwarded {
		t.Error("reset consumed")
	}
	if len(h.changes) != n {
		t.Error("idle reset emitted a change")
	}

	h.request(FeatureLock)
	h.ack(FeatureLock, true)
	h.consume(reset)
	want := Change{State: State{}, Action: Action{Kind: ActionReset}}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("change (-want +got):\n%s", diff)
	}
}

func TestParseFeature(t *testing.T) {
	for f := range featureNames {
		got, ok := ParseFeature(f.String())
		if !ok || got != f {
			t.Errorf("ParseFeature(%q) = %v, %v", f.String(), got, ok)
		}
	}
	if _, ok := ParseFeature("honk"); ok {
		t.Error("ParseFeature(honk) succeeded")
	}
}
