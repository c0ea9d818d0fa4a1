// Package telematics requests odometer and fuel readings from the connected
// vehicle. Concurrent requests are batched into one service grant.
package telematics

import (
	"slices"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/servicegrant"
	"github.com/autopeer-io/tacs/pkg/log"
)

// GrantID is the service grant reading trip data.
const GrantID keyring.ServiceGrantID = 9

type Requester interface {
	Request(id keyring.ServiceGrantID)
}

type Manager struct {
	q         *workqueue.Queue
	broker    Requester
	connected func() bool
	log       log.Logger
	subject   *change.Subject[State, Action]

	waitingForAck []DataType
}

var _ servicegrant.Interceptor = (*Manager)(nil)

// New returns a manager. connected reports whether a vehicle link is up and
// is called on the queue.
func New(q *workqueue.Queue, broker Requester, connected func() bool, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		q:         q,
		broker:    broker,
		connected: connected,
		log:       logger.WithName("telematics"),
		subject:   change.NewSubject[State, Action](State{}, cloneState),
	}
}

func (m *Manager) Changes() change.Observable[State, Action] {
	return m.subject
}

func (m *Manager) RequestData(types []DataType) {
	types = slices.Clone(types)
	m.q.Dispatch(func() { m.requestData(types) })
}

func (m *Manager) requestData(types []DataType) {
	if !m.connected() {
		m.waitingForAck = nil
		m.respond(State{}, errorResponses(types, ErrorNotConnected))
		return
	}

	if st := m.subject.State(); len(st) > 0 {
		combined := merge(st, types)
		m.subject.Send(combined, Action{Kind: ActionRequestingData, Types: slices.Clone(combined), Accepted: true})
		return
	}
	if len(m.waitingForAck) > 0 {
		m.waitingForAck = merge(m.waitingForAck, types)
		return
	}
	m.waitingForAck = merge(nil, types)
	m.broker.Request(GrantID)
}

func (m *Manager) Consume(c servicegrant.Change) (servicegrant.Change, bool) {
	switch c.Action.Kind {
	case servicegrant.ActionInitial:
		return c, false
	case servicegrant.ActionRequestServiceGrant:
		if c.Action.GrantID == GrantID && len(m.waitingForAck) > 0 {
			m.acked(c.Action.Accepted)
			return c, false
		}
	case servicegrant.ActionResponseReceived:
		if c.Action.Response.GrantID == GrantID {
			m.onResponse(c.Action.Response)
			return c, false
		}
	case servicegrant.ActionRequestFailed:
		if c.Action.Error == servicegrant.ErrorNotConnected {
			m.fail(ErrorNotConnected)
		} else {
			m.fail(ErrorRemoteFailed)
		}
	case servicegrant.ActionReset:
		m.reset()
	}
	return servicegrant.Without(c, GrantID), true
}

func (m *Manager) acked(accepted bool) {
	types := m.waitingForAck
	m.waitingForAck = nil
	if !accepted {
		m.subject.Send(State{}, Action{Kind: ActionRequestingData, Accepted: false})
		return
	}
	m.subject.Send(slices.Clone(types), Action{Kind: ActionRequestingData, Types: types, Accepted: true})
}

func (m *Manager) onResponse(resp servicegrant.Response) {
	st := m.subject.State()
	if len(st) == 0 {
		m.log.Debug("unsolicited telematics response", "status", resp.Status)
		return
	}

	switch resp.Status {
	case servicegrant.StatusPending:
		return
	case servicegrant.StatusInvalidTimeFrame, servicegrant.StatusNotAllowed:
		m.respond(State{}, errorResponses(st, ErrorDenied))
	case servicegrant.StatusSuccess:
		td, err := parseTripData(resp.Data)
		if err != nil {
			m.log.Debug("unreadable telematics response", "error", err)
			m.respond(State{}, errorResponses(st, ErrorRemoteFailed))
			return
		}
		responses := make([]Response, 0, len(st))
		for _, t := range st {
			responses = append(responses, td.response(t))
		}
		m.respond(State{}, responses)
	default:
		m.respond(State{}, errorResponses(st, ErrorRemoteFailed))
	}
}

// fail answers every outstanding type with kind.
func (m *Manager) fail(kind ErrorKind) {
	types := merge(m.waitingForAck, m.subject.State())
	m.waitingForAck = nil
	if len(types) == 0 {
		return
	}
	m.respond(State{}, errorResponses(types, kind))
}

func (m *Manager) reset() {
	m.waitingForAck = nil
	if len(m.subject.State()) == 0 {
		return
	}
	m.subject.Send(State{}, Action{Kind: ActionReset})
}

func (m *Manager) respond(st State, responses []Response) {
	m.subject.Send(st, Action{Kind: ActionResponseReceived, Responses: responses})
}

func errorResponses(types []DataType, kind ErrorKind) []Response {
	out := make([]Response, 0, len(types))
	for _, t := range types {
		out = append(out, Response{Type: t, Err: kind})
	}
	return out
}

// merge appends the types of add missing from base, keeping order.
func merge(base, add []DataType) []DataType {
	out := slices.Clone(base)
	for _, t := range add {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
