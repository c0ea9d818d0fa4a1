// Package location requests the vehicle's GPS position.
package location

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/servicegrant"
	"github.com/autopeer-io/tacs/internal/tacs/telematics"
	"github.com/autopeer-io/tacs/pkg/log"
)

// GrantID is the service grant reading the vehicle position.
const GrantID keyring.ServiceGrantID = 10

// ErrorKind is shared with telematics.
type ErrorKind = telematics.ErrorKind

type Data struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	// Accuracy is the radius in meters.
	Accuracy float64 `json:"accuracy"`
}

// Response is either Data or an error.
type Response struct {
	Err  ErrorKind
	Data *Data
}

// State reports whether a location request is in flight.
type State bool

type ActionKind int

const (
	ActionInitial ActionKind = iota
	ActionRequestingData
	ActionResponseReceived
	ActionReset
)

func (k ActionKind) String() string {
	switch k {
	case ActionInitial:
		return "initial"
	case ActionRequestingData:
		return "requestingData"
	case ActionResponseReceived:
		return "responseReceived"
	case ActionReset:
		return "reset"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

type Action struct {
	Kind     ActionKind
	Accepted bool
	Response Response
}

type Change = change.Change[State, Action]

type payload struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Accuracy  *float64  `json:"accuracy"`
}

// ParseData decodes a location payload. Missing fields, a null accuracy
// included, make the payload unsupported.
func ParseData(s string) (*Data, error) {
	var p payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	if p.Latitude == nil || p.Longitude == nil || p.Accuracy == nil {
		return nil, fmt.Errorf("decode location: incomplete payload")
	}
	return &Data{Timestamp: p.Timestamp, Latitude: *p.Latitude, Longitude: *p.Longitude, Accuracy: *p.Accuracy}, nil
}

type Requester interface {
	Request(id keyring.ServiceGrantID)
}

type Manager struct {
	q         *workqueue.Queue
	broker    Requester
	connected func() bool
	log       log.Logger
	subject   *change.Subject[State, Action]

	waitingForAck bool
}

var _ servicegrant.Interceptor = (*Manager)(nil)

func New(q *workqueue.Queue, broker Requester, connected func() bool, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		q:         q,
		broker:    broker,
		connected: connected,
		log:       logger.WithName("location"),
		subject:   change.NewSubject[State, Action](false, nil),
	}
}

func (m *Manager) Changes() change.Observable[State, Action] {
	return m.subject
}

func (m *Manager) RequestLocation() {
	m.q.Dispatch(func() {
		if !m.connected() {
			m.respond(Response{Err: telematics.ErrorNotConnected})
			return
		}
		m.waitingForAck = true
		m.broker.Request(GrantID)
	})
}

func (m *Manager) Consume(c servicegrant.Change) (servicegrant.Change, bool) {
	switch c.Action.Kind {
	case servicegrant.ActionInitial:
		return c, false
	case servicegrant.ActionRequestServiceGrant:
		if c.Action.GrantID == GrantID && (m.waitingForAck || bool(m.subject.State())) {
			m.waitingForAck = false
			pending := bool(m.subject.State()) || c.State.Requesting(GrantID)
			m.subject.Send(State(pending), Action{Kind: ActionRequestingData, Accepted: c.Action.Accepted})
			return c, false
		}
	case servicegrant.ActionResponseReceived:
		if c.Action.Response.GrantID == GrantID {
			m.onResponse(c.Action.Response)
			return c, false
		}
	case servicegrant.ActionRequestFailed:
		m.fail(c.Action.Error)
	case servicegrant.ActionReset:
		m.waitingForAck = false
		if m.subject.State() {
			m.subject.Send(false, Action{Kind: ActionReset})
		}
	}
	return servicegrant.Without(c, GrantID), true
}

// fail answers an outstanding request. A request still waiting for its ack
// failed to go out, so only that one can report notConnected.
func (m *Manager) fail(kind servicegrant.ErrorKind) {
	waiting := m.waitingForAck
	m.waitingForAck = false
	switch {
	case waiting && kind == servicegrant.ErrorNotConnected:
		m.respond(Response{Err: telematics.ErrorNotConnected})
	case waiting || bool(m.subject.State()):
		m.respond(Response{Err: telematics.ErrorRemoteFailed})
	}
}

func (m *Manager) onResponse(resp servicegrant.Response) {
	switch resp.Status {
	case servicegrant.StatusPending:
	case servicegrant.StatusSuccess:
		data, err := ParseData(resp.Data)
		if err != nil {
			m.log.Debug("unsupported location payload", "error", err)
			m.respond(Response{Err: telematics.ErrorNotSupported})
			return
		}
		m.respond(Response{Data: data})
	case servicegrant.StatusInvalidTimeFrame, servicegrant.StatusNotAllowed:
		m.respond(Response{Err: telematics.ErrorDenied})
	default:
		m.respond(Response{Err: telematics.ErrorRemoteFailed})
	}
}

func (m *Manager) respond(r Response) {
	m.subject.Send(false, Action{Kind: ActionResponseReceived, Response: r})
}
