package telematics

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/servicegrant"
	"github.com/autopeer-io/tacs/pkg/log"
)

var equateEmpty = cmpopts.EquateEmpty()

type fakeBroker struct {
	requested []keyring.ServiceGrantID
}

func (b *fakeBroker) Request(id keyring.ServiceGrantID) { b.requested = append(b.requested, id) }

type harness struct {
	q         *workqueue.Queue
	broker    *fakeBroker
	connected bool
	m         *Manager
	changes   []Change
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q := workqueue.New()
	t.Cleanup(q.Stop)
	h := &harness{q: q, broker: &fakeBroker{}, connected: true}
	h.m = New(q, h.broker, func() bool { return h.connected }, log.NewTestLogger(t))
	h.m.Changes().Subscribe(func(c Change) { h.changes = append(h.changes, c) })
	return h
}

func (h *harness) request(types ...DataType) {
	h.m.RequestData(types)
	h.q.Flush()
}

func (h *harness) consume(c servicegrant.Change) (out servicegrant.Change, forwarded bool) {
	h.q.Dispatch(func() { out, forwarded = h.m.Consume(c) })
	h.q.Flush()
	return out, forwarded
}

func (h *harness) ack(accepted bool) (servicegrant.Change, bool) {
	return h.consume(servicegrant.Change{
		State:  servicegrant.State{RequestingServiceGrantIDs: []keyring.ServiceGrantID{GrantID}},
		Action: servicegrant.Action{Kind: servicegrant.ActionRequestServiceGrant, GrantID: GrantID, Accepted: accepted},
	})
}

func (h *harness) respond(status servicegrant.Status, data string) (servicegrant.Change, bool) {
	return h.consume(servicegrant.Change{
		Action: servicegrant.Action{
			Kind:     servicegrant.ActionResponseReceived,
			Response: servicegrant.Response{GrantID: GrantID, Status: status, Data: data},
		},
	})
}

func (h *harness) last() Change { return h.changes[len(h.changes)-1] }

func TestRequestNotConnected(t *testing.T) {
	h := newHarness(t)
	h.connected = false
	h.request(Odometer, FuelLevelPercentage)

	if len(h.broker.requested) != 0 {
		t.Errorf("requested %v while disconnected", h.broker.requested)
	}
	want := Change{Action: Action{Kind: ActionResponseReceived, Responses: []Response{
		{Type: Odometer, Err: ErrorNotConnected},
		{Type: FuelLevelPercentage, Err: ErrorNotConnected},
	}}}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("change (-want +got):\n%s", diff)
	}
}

func TestBatching(t *testing.T) {
	h := newHarness(t)
	h.request(Odometer)
	h.request(FuelLevelAbsolute, Odometer)

	if diff := cmp.Diff([]keyring.ServiceGrantID{GrantID}, h.broker.requested); diff != "" {
		t.Fatalf("requests before ack (-want +got):\n%s", diff)
	}

	if _, forwarded := h.ack(true); forwarded {
		t.Error("own ack forwarded")
	}
	want := Change{
		State:  State{Odometer, FuelLevelAbsolute},
		Action: Action{Kind: ActionRequestingData, Types: []DataType{Odometer, FuelLevelAbsolute}, Accepted: true},
	}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("ack change (-want +got):\n%s", diff)
	}

	h.request(FuelLevelPercentage)
	if len(h.broker.requested) != 1 {
		t.Errorf("in-flight batch issued another request: %v", h.broker.requested)
	}
	want = Change{
		State:  State{Odometer, FuelLevelAbsolute, FuelLevelPercentage},
		Action: Action{Kind: ActionRequestingData, Types: []DataType{Odometer, FuelLevelAbsolute, FuelLevelPercentage}, Accepted: true},
	}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("merge change (-want +got):\n%s", diff)
	}
}

func TestRejectedAck(t *testing.T) {
	h := newHarness(t)
	h.request(Odometer)
	h.ack(false)

	want := Change{Action: Action{Kind: ActionRequestingData}}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("change (-want +got):\n%s", diff)
	}
}

func TestResponse(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		status servicegrant.Status
		data   string
		want   []Response
	}{
		{
			name:   "all values",
			status: servicegrant.StatusSuccess,
			data:   `{"timestamp":"2024-05-01T12:00:00Z","odometer":12345.5,"fuelLevelAbsolute":30,"fuelLevelPercentage":55}`,
			want: []Response{
				{Type: Odometer, Data: &Data{Type: Odometer, Timestamp: ts, Value: 12345.5, Unit: "m"}},
				{Type: FuelLevelAbsolute, Data: &Data{Type: FuelLevelAbsolute, Timestamp: ts, Value: 30, Unit: "l"}},
				{Type: FuelLevelPercentage, Data: &Data{Type: FuelLevelPercentage, Timestamp: ts, Value: 55, Unit: "%"}},
			},
		},
		{
			name:   "missing value",
			status: servicegrant.StatusSuccess,
			data:   `{"timestamp":"2024-05-01T12:00:00Z","odometer":1,"fuelLevelAbsolute":null}`,
			want: []Response{
				{Type: Odometer, Data: &Data{Type: Odometer, Timestamp: ts, Value: 1, Unit: "m"}},
				{Type: FuelLevelAbsolute, Err: ErrorNotSupported},
				{Type: FuelLevelPercentage, Err: ErrorNotSupported},
			},
		},
		{
			name:   "garbage",
			status: servicegrant.StatusSuccess,
			data:   "not json",
			want: []Response{
				{Type: Odometer, Err: ErrorRemoteFailed},
				{Type: FuelLevelAbsolute, Err: ErrorRemoteFailed},
				{Type: FuelLevelPercentage, Err: ErrorRemoteFailed},
			},
		},
		{
			name:   "denied",
			status: servicegrant.StatusNotAllowed,
			want: []Response{
				{Type: Odometer, Err: ErrorDenied},
				{Type: FuelLevelAbsolute, Err: ErrorDenied},
				{Type: FuelLevelPercentage, Err: ErrorDenied},
			},
		},
		{
			name:   "failure",
			status: servicegrant.StatusFailure,
			want: []Response{
				{Type: Odometer, Err: ErrorRemoteFailed},
				{Type: FuelLevelAbsolute, Err: ErrorRemoteFailed},
				{Type: FuelLevelPercentage, Err: ErrorRemoteFailed},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.request(Odometer, FuelLevelAbsolute, FuelLevelPercentage)
			h.ack(true)

			if _, forwarded := h.respond(tt.status, tt.data); forwarded {
				t.Error("own response forwarded")
			}
			want := Change{Action: Action{Kind: ActionResponseReceived, Responses: tt.want}}
			if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
				t.Errorf("change (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPendingKeepsBatch(t *testing.T) {
	h := newHarness(t)
	h.request(Odometer)
	h.ack(true)
	n := len(h.changes)

	h.respond(servicegrant.StatusPending, "")
	if len(h.changes) != n {
		t.Errorf("pending response emitted a change")
	}
	if diff := cmp.Diff(State{Odometer}, h.m.Changes().State()); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name   string
		action servicegrant.Action
		want   ErrorKind
	}{
		{"send failed", servicegrant.Action{Kind: servicegrant.ActionRequestFailed, Error: servicegrant.ErrorSendFailed}, ErrorRemoteFailed},
		{"not connected", servicegrant.Action{Kind: servicegrant.ActionRequestFailed, Error: servicegrant.ErrorNotConnected}, ErrorNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.request(Odometer)
			h.ack(true)
			h.request(FuelLevelAbsolute)

			out, forwarded := h.consume(servicegrant.Change{
				State:  servicegrant.State{RequestingServiceGrantIDs: []keyring.ServiceGrantID{GrantID, 10}},
				Action: tt.action,
			})
			if !forwarded {
				t.Fatal("failure consumed")
			}
			if diff := cmp.Diff([]keyring.ServiceGrantID{10}, out.State.RequestingServiceGrantIDs); diff != "" {
				t.Errorf("forwarded ids (-want +got):\n%s", diff)
			}
			want := Change{Action: Action{Kind: ActionResponseReceived, Responses: []Response{
				{Type: Odometer, Err: tt.want},
				{Type: FuelLevelAbsolute, Err: tt.want},
			}}}
			if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
				t.Errorf("change (-want +got):\n%s", diff)
			}

			n := len(h.changes)
			h.consume(servicegrant.Change{Action: servicegrant.Action{Kind: servicegrant.ActionReset}})
			if len(h.changes) != n {
				t.Error("idle reset emitted a change")
			}
		})
	}
}

func TestResetClearsBatchSilently(t *testing.T) {
	h := newHarness(t)
	h.request(Odometer)
	h.ack(true)

	out, forwarded := h.consume(servicegrant.Change{
		State:  servicegrant.State{RequestingServiceGrantIDs: []keyring.ServiceGrantID{GrantID}},
		Action: servicegrant.Action{Kind: servicegrant.ActionReset},
	})
	if !forwarded {
		t.Fatal("reset consumed")
	}
	if len(out.State.RequestingServiceGrantIDs) != 0 {
		t.Errorf("forwarded ids = %v", out.State.RequestingServiceGrantIDs)
	}
	want := Change{Action: Action{Kind: ActionReset}}
	if diff := cmp.Diff(want, h.last(), equateEmpty); diff != "" {
		t.Errorf("change (-want +got):\n%s", diff)
	}

	// The next request starts a new batch.
	h.request(FuelLevelAbsolute)
	if diff := cmp.Diff([]keyring.ServiceGrantID{GrantID, GrantID}, h.broker.requested); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}
}

func TestForeignResponseForwarded(t *testing.T) {
	h := newHarness(t)
	out, forwarded := h.consume(servicegrant.Change{
		Action: servicegrant.Action{
			Kind:     servicegrant.ActionResponseReceived,
			Response: servicegrant.Response{GrantID: 10, Status: servicegrant.StatusSuccess},
		},
	})
	if !forwarded || out.Action.Response.GrantID != 10 {
		t.Errorf("forwarded=%v out=%+v", forwarded, out)
	}
}

func TestParseDataType(t *testing.T) {
	if got, err := ParseDataType("fuelLevelAbsolute"); err != nil || got != FuelLevelAbsolute {
		t.Errorf("ParseDataType() = %v, %v", got, err)
	}
	if _, err := ParseDataType("tyrePressure"); err == nil {
		t.Error("ParseDataType(tyrePressure) succeeded")
	}
}
