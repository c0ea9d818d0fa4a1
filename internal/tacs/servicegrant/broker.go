// Package servicegrant multiplexes numbered service grant requests over the
// secure channel to the connected vehicle and routes the responses through
// an ordered chain of interceptors.
package servicegrant

import (
	"errors"
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/metrics"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/connection"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/securechannel"
	"github.com/autopeer-io/tacs/pkg/log"
)

// DefaultQueueCapacity bounds the distinct grants in flight.
const DefaultQueueCapacity = 5

var ErrNoSession = errors.New("no session configured")

// Link is the data connection to the vehicle.
type Link interface {
	Connection() change.Observable[connection.State, connection.Action]
	OnData(fn func([]byte))
	// Send must be called on the work queue.
	Send(data []byte) error
}

type Option func(*Broker)

func WithLogger(l log.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithQueueCapacity sets how many distinct grants may be in flight.
func WithQueueCapacity(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.capacity = n
		}
	}
}

func WithClock(c clock.PassiveClock) Option {
	return func(b *Broker) { b.clock = c }
}

type session struct {
	lease keyring.LeaseToken
	blob  keyring.SessionBlob
}

// Broker owns the request/response channel of the active connection. All of
// its state lives on the work queue.
type Broker struct {
	q        *workqueue.Queue
	link     Link
	log      log.Logger
	clock    clock.PassiveClock
	capacity int

	interceptors []Interceptor
	subject      *change.Subject[State, Action]

	state     State
	connected bool
	session   *session
	channel   *securechannel.Channel
	sentAt    map[keyring.ServiceGrantID]time.Time
}

// New creates a broker on q sending over link.
func New(q *workqueue.Queue, link Link, opts ...Option) *Broker {
	b := &Broker{
		q:        q,
		link:     link,
		log:      log.NewNopLogger(),
		clock:    clock.RealClock{},
		capacity: DefaultQueueCapacity,
		subject:  change.NewSubject[State, Action](State{}, cloneState),
		sentAt:   map[keyring.ServiceGrantID]time.Time{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithName("servicegrant")
	return b
}

// Register appends an interceptor to the chain. Call it before Start.
func (b *Broker) Register(i Interceptor) {
	b.interceptors = append(b.interceptors, i)
}

// Start follows the link's connection and data. The link publishes on the
// work queue, so the broker sees a new link before anyone else can use it.
func (b *Broker) Start() {
	b.link.OnData(b.onData)
	b.q.Dispatch(func() {
		b.link.Connection().Subscribe(b.onConnectionChange)
	})
}

// Changes is the stream of changes that passed every interceptor.
func (b *Broker) Changes() change.Observable[State, Action] {
	return b.subject
}

// SetSession installs the lease and blob the next link is opened with.
func (b *Broker) SetSession(lease keyring.LeaseToken, blob keyring.SessionBlob) {
	b.q.Dispatch(func() {
		b.session = &session{lease: lease, blob: blob}
	})
}

// ClearSession forgets the session. An open channel stays usable until the link drops.
func (b *Broker) ClearSession() {
	b.q.Dispatch(func() { b.session = nil })
}

// RequestServiceGrant asks the vehicle to execute id.
func (b *Broker) RequestServiceGrant(id keyring.ServiceGrantID) {
	b.q.Dispatch(func() { b.Request(id) })
}

// Request is RequestServiceGrant for callers already on the work queue. The
// outcome is published before it returns.
func (b *Broker) Request(id keyring.ServiceGrantID) {
	if !b.connected || b.channel == nil {
		b.emit(Action{Kind: ActionRequestFailed, Error: ErrorNotConnected})
		return
	}
	if b.state.Requesting(id) || len(b.state.RequestingServiceGrantIDs) >= b.capacity {
		metrics.GrantRequests.WithLabelValues(id.String(), "false").Inc()
		b.emit(Action{Kind: ActionRequestServiceGrant, GrantID: id, Accepted: false})
		return
	}

	if err := b.send(id); err != nil {
		b.log.Error(err, "Failed to send service grant request", "grant", id)
		b.emit(Action{Kind: ActionRequestFailed, Error: ErrorSendFailed})
		return
	}

	metrics.GrantRequests.WithLabelValues(id.String(), "true").Inc()
	b.state.RequestingServiceGrantIDs = append(b.state.RequestingServiceGrantIDs, id)
	b.sentAt[id] = b.clock.Now()
	b.emit(Action{Kind: ActionRequestServiceGrant, GrantID: id, Accepted: true})
}

func (b *Broker) send(id keyring.ServiceGrantID) error {
	plain, err := securechannel.Request{GrantID: uint16(id)}.MarshalBinary()
	if err != nil {
		return err
	}
	frame, err := b.channel.Seal(plain)
	if err != nil {
		return err
	}
	return b.link.Send(frame)
}

func (b *Broker) onConnectionChange(c change.Change[connection.State, connection.Action]) {
	switch c.State.Phase {
	case connection.PhaseConnected:
		if b.connected {
			return
		}
		b.connected = true
		if err := b.openSession(); err != nil {
			b.log.Error(err, "Failed to open session", "sorcID", c.State.SorcID)
		}
	case connection.PhaseDisconnected:
		wasConnected := b.connected
		b.connected = false
		b.channel = nil
		if c.Action.Kind == connection.ActionInitial {
			return
		}
		if wasConnected || len(b.state.RequestingServiceGrantIDs) > 0 {
			b.state = State{}
			clear(b.sentAt)
			b.emit(Action{Kind: ActionReset})
		}
	}
}

// openSession derives the session key and sends the clear Hello frame.
func (b *Broker) openSession() error {
	if b.session == nil {
		return ErrNoSession
	}
	s := b.session
	ch, err := securechannel.New(securechannel.DeriveKey(s.lease.SorcAccessKey, s.blob.Data, s.blob.MessageCounter))
	if err != nil {
		return err
	}
	hello, err := securechannel.Hello{
		LeaseTokenID: s.lease.ID,
		LeaseID:      s.lease.LeaseID,
		Blob:         s.blob.Data,
		Counter:      s.blob.MessageCounter,
	}.MarshalBinary()
	if err != nil {
		return err
	}
	if err := b.link.Send(hello); err != nil {
		return err
	}
	b.channel = ch
	return nil
}

func (b *Broker) onData(frame []byte) {
	if b.channel == nil {
		b.log.Debug("Dropping data without a session", "bytes", len(frame))
		return
	}

	resp, err := b.decode(frame)
	if err != nil {
		// The frame cannot be matched to a grant, so every outstanding
		// request has failed and its slot is free again.
		b.log.Error(err, "Failed to read vehicle response", "outstanding", b.state.RequestingServiceGrantIDs)
		b.state = State{}
		clear(b.sentAt)
		b.emit(Action{Kind: ActionRequestFailed, Error: ErrorRemoteFailed})
		return
	}

	grant := resp.GrantID.String()
	metrics.GrantResponses.WithLabelValues(grant, resp.Status.String()).Inc()
	if resp.Status.Terminal() && b.state.Requesting(resp.GrantID) {
		b.state.RequestingServiceGrantIDs = slices.DeleteFunc(b.state.RequestingServiceGrantIDs, func(id keyring.ServiceGrantID) bool {
			return id == resp.GrantID
		})
		if at, ok := b.sentAt[resp.GrantID]; ok {
			metrics.GrantLatency.WithLabelValues(grant).Observe(b.clock.Since(at).Seconds())
			delete(b.sentAt, resp.GrantID)
		}
	}
	b.emit(Action{Kind: ActionResponseReceived, Response: resp})
}

func (b *Broker) decode(frame []byte) (Response, error) {
	plain, err := b.channel.Open(frame)
	if err != nil {
		return Response{}, err
	}
	var r securechannel.Response
	if err := r.UnmarshalBinary(plain); err != nil {
		return Response{}, err
	}
	return Response{
		SorcID:  r.SorcID,
		GrantID: keyring.ServiceGrantID(r.GrantID),
		Status:  Status(r.Status),
		Data:    r.Data,
	}, nil
}

// emit runs the change through the interceptors and publishes what survives.
func (b *Broker) emit(action Action) {
	c := Change{State: cloneState(b.state), Action: action}
	for _, i := range b.interceptors {
		var ok bool
		if c, ok = i.Consume(c); !ok {
			return
		}
	}
	b.log.Debug("Service grant change", "action", c.Action.Kind, "grant", c.Action.GrantID)
	b.subject.Send(c.State, c.Action)
}
