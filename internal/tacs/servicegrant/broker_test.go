package servicegrant

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/connection"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/securechannel"
	"github.com/autopeer-io/tacs/pkg/log"
)

var sorcID = uuid.MustParse("be2fecaf-734b-4252-8312-59d477200a20")

type fakeLink struct {
	conn *change.Subject[connection.State, connection.Action]

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	onData  func([]byte)
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		conn: change.NewSubject[connection.State, connection.Action](connection.State{Phase: connection.PhaseDisconnected}, nil),
	}
}

func (l *fakeLink) Connection() change.Observable[connection.State, connection.Action] { return l.conn }

func (l *fakeLink) OnData(fn func([]byte)) { l.onData = fn }

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, data)
	return nil
}

func (l *fakeLink) frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

type harness struct {
	t       *testing.T
	q       *workqueue.Queue
	link    *fakeLink
	broker  *Broker
	vehicle *securechannel.Channel
	changes []Change
	lease   keyring.LeaseToken
	blob    keyring.SessionBlob
}

func newHarness(t *testing.T, interceptors ...Interceptor) *harness {
	t.Helper()
	q := workqueue.New()
	t.Cleanup(q.Stop)

	h := &harness{
		t:    t,
		q:    q,
		link: newFakeLink(),
		lease: keyring.LeaseToken{
			ID:            uuid.MustParse("dd5b4d6e-9a6e-4b4f-a1b0-0d3b1e5b7c1a"),
			LeaseID:       uuid.MustParse("b7b4c1e3-2f0e-4d8c-9c6f-6f8a2e1d9b3c"),
			SorcID:        sorcID,
			SorcAccessKey: "access-key",
		},
		blob: keyring.SessionBlob{SorcID: sorcID, Data: []byte("bootstrap"), MessageCounter: 42},
	}
	h.broker = New(q, h.link, WithLogger(log.NewTestLogger(t)), WithQueueCapacity(2))
	for _, i := range interceptors {
		h.broker.Register(i)
	}
	h.broker.Start()
	h.broker.Changes().Subscribe(func(c Change) { h.changes = append(h.changes, c) })

	vehicle, err := securechannel.New(securechannel.DeriveKey(h.lease.SorcAccessKey, h.blob.Data, h.blob.MessageCounter))
	if err != nil {
		t.Fatal(err)
	}
	h.vehicle = vehicle
	q.Flush()
	return h
}

func (h *harness) connect() {
	h.broker.SetSession(h.lease, h.blob)
	h.q.Flush()
	h.publish(connection.State{Phase: connection.PhaseConnected, SorcID: sorcID},
		connection.Action{Kind: connection.ActionConnectionEstablished, SorcID: sorcID})
}

// publish sends a connection change from the work queue, like the engine does.
func (h *harness) publish(st connection.State, a connection.Action) {
	h.q.Dispatch(func() { h.link.conn.Send(st, a) })
	h.q.Flush()
}

func (h *harness) disconnect() {
	h.publish(connection.State{Phase: connection.PhaseDisconnected},
		connection.Action{Kind: connection.ActionConnectionLost, SorcID: sorcID})
}

func (h *harness) request(id keyring.ServiceGrantID) {
	h.broker.RequestServiceGrant(id)
	h.q.Flush()
}

func (h *harness) respond(id keyring.ServiceGrantID, status Status, data string) {
	h.t.Helper()
	plain, _ := securechannel.Response{SorcID: sorcID, GrantID: uint16(id), Status: uint8(status), Data: data}.MarshalBinary()
	frame, err := h.vehicle.Seal(plain)
	if err != nil {
		h.t.Fatal(err)
	}
	h.deliver(frame)
}

func (h *harness) deliver(frame []byte) {
	h.q.Dispatch(func() { h.link.onData(frame) })
	h.q.Flush()
}

func (h *harness) last() Change {
	return h.changes[len(h.changes)-1]
}

func ids(v ...keyring.ServiceGrantID) []keyring.ServiceGrantID { return v }

func TestRequestWithoutConnection(t *testing.T) {
	h := newHarness(t)
	h.request(1)

	want := Change{Action: Action{Kind: ActionRequestFailed, Error: ErrorNotConnected}}
	if diff := cmp.Diff(want, h.last()); diff != "" {
		t.Errorf("change mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.publish(connection.State{Phase: connection.PhaseConnected, SorcID: sorcID},
		connection.Action{Kind: connection.ActionConnectionEstablished, SorcID: sorcID})

	h.request(1)
	if got := h.last().Action; got.Kind != ActionRequestFailed || got.Error != ErrorNotConnected {
		t.Errorf("action = %+v, want notConnected failure", got)
	}
	if n := len(h.link.frames()); n != 0 {
		t.Errorf("sent %d frames without a session", n)
	}
}

func TestHelloAndRequest(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.request(3)

	frames := h.link.frames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want hello and request", len(frames))
	}

	var hello securechannel.Hello
	if err := hello.UnmarshalBinary(frames[0]); err != nil {
		t.Fatalf("first frame is not a clear hello: %v", err)
	}
	wantHello := securechannel.Hello{LeaseTokenID: h.lease.ID, LeaseID: h.lease.LeaseID, Blob: h.blob.Data, Counter: 42}
	if diff := cmp.Diff(wantHello, hello); diff != "" {
		t.Errorf("hello mismatch (-want +got):\n%s", diff)
	}

	plain, err := h.vehicle.Open(frames[1])
	if err != nil {
		t.Fatalf("vehicle cannot open request: %v", err)
	}
	var req securechannel.Request
	if err := req.UnmarshalBinary(plain); err != nil || req.GrantID != 3 {
		t.Errorf("request = %+v, %v, want grant 3", req, err)
	}

	want := Change{
		State:  State{RequestingServiceGrantIDs: ids(3)},
		Action: Action{Kind: ActionRequestServiceGrant, GrantID: 3, Accepted: true},
	}
	if diff := cmp.Diff(want, h.last()); diff != "" {
		t.Errorf("change mismatch (-want +got):\n%s", diff)
	}
}

func TestQueuePolicy(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.request(1)
	h.request(1)
	if got := h.last(); got.Action.Accepted || !cmp.Equal(got.State.RequestingServiceGrantIDs, ids(1)) {
		t.Errorf("duplicate request: %+v, want rejected with state [1]", got)
	}

	h.request(2)
	h.request(3)
	got := h.last()
	if got.Action.GrantID != 3 || got.Action.Accepted {
		t.Errorf("request beyond capacity: %+v, want rejected", got.Action)
	}
	if diff := cmp.Diff(ids(1, 2), got.State.RequestingServiceGrantIDs); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestResponses(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.request(3)

	h.respond(3, StatusPending, "")
	if got := h.last(); !got.State.Requesting(3) || got.Action.Response.Status != StatusPending {
		t.Errorf("pending response: %+v, want grant 3 still requested", got)
	}

	h.respond(3, StatusSuccess, "LOCKED")
	want := Change{
		Action: Action{Kind: ActionResponseReceived, Response: Response{SorcID: sorcID, GrantID: 3, Status: StatusSuccess, Data: "LOCKED"}},
	}
	if diff := cmp.Diff(want, h.last(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("change mismatch (-want +got):\n%s", diff)
	}

	h.request(3)
	if got := h.last().Action; !got.Accepted {
		t.Errorf("request after terminal response was rejected")
	}
}

func TestUnreadableResponse(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.request(3)
	h.request(9)

	h.deliver([]byte("garbage that is long enough to look like a frame header"))

	want := Change{Action: Action{Kind: ActionRequestFailed, Error: ErrorRemoteFailed}}
	if diff := cmp.Diff(want, h.last(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("change mismatch (-want +got):\n%s", diff)
	}

	h.request(9)
	want = Change{
		State:  State{RequestingServiceGrantIDs: ids(9)},
		Action: Action{Kind: ActionRequestServiceGrant, GrantID: 9, Accepted: true},
	}
	if diff := cmp.Diff(want, h.last()); diff != "" {
		t.Errorf("retry after failed read (-want +got):\n%s", diff)
	}
}

func TestSendFailure(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.link.mu.Lock()
	h.link.sendErr = errors.New("write failed")
	h.link.mu.Unlock()

	h.request(1)

	want := Change{Action: Action{Kind: ActionRequestFailed, Error: ErrorSendFailed}}
	if diff := cmp.Diff(want, h.last()); diff != "" {
		t.Errorf("change mismatch (-want +got):\n%s", diff)
	}
}

func TestDisconnectResets(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.request(1)
	h.request(2)

	h.disconnect()

	want := Change{Action: Action{Kind: ActionReset}}
	if diff := cmp.Diff(want, h.last()); diff != "" {
		t.Errorf("change mismatch (-want +got):\n%s", diff)
	}

	h.request(1)
	if got := h.last().Action; got.Kind != ActionRequestFailed || got.Error != ErrorNotConnected {
		t.Errorf("request after disconnect: %+v", got)
	}
}

func TestInterceptorChain(t *testing.T) {
	var secondSaw []ActionKind

	first := InterceptorFunc(func(c Change) (Change, bool) {
		switch c.Action.Kind {
		case ActionInitial:
			return c, false
		case ActionRequestServiceGrant:
			if c.Action.GrantID == 1 {
				return c, false
			}
		case ActionReset, ActionRequestFailed:
			return Without(c, 1), true
		}
		return c, true
	})
	second := InterceptorFunc(func(c Change) (Change, bool) {
		secondSaw = append(secondSaw, c.Action.Kind)
		if c.State.Requesting(1) && (c.Action.Kind == ActionReset || c.Action.Kind == ActionRequestFailed) {
			t.Errorf("second interceptor saw grant 1 in %v", c.Action.Kind)
		}
		return c, true
	})

	h := newHarness(t, first, second)
	h.broker.capacity = 3
	h.connect()
	h.changes = nil

	h.request(1)
	if len(h.changes) != 0 || len(secondSaw) != 0 {
		t.Fatalf("consumed change propagated: subscriber=%v second=%v", h.changes, secondSaw)
	}

	h.request(2)
	h.link.mu.Lock()
	h.link.sendErr = errors.New("write failed")
	h.link.mu.Unlock()
	h.request(3)

	if diff := cmp.Diff([]ActionKind{ActionRequestServiceGrant, ActionRequestFailed}, secondSaw); diff != "" {
		t.Errorf("second interceptor actions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ids(2), h.last().State.RequestingServiceGrantIDs); diff != "" {
		t.Errorf("filtered state mismatch (-want +got):\n%s", diff)
	}
}
