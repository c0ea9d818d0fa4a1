// Package vehicleaccess locks, unlocks and controls the ignition of the
// connected vehicle through its service grants.
package vehicleaccess

import (
	"slices"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/servicegrant"
	"github.com/autopeer-io/tacs/pkg/log"
)

const (
	resultKeyDestroyed = "KEY_DESTROYED"
	resultLocked       = "LOCKED"
	resultUnlocked     = "UNLOCKED"
	resultEnabled      = "ENABLED"
	resultDisabled     = "DISABLED"
)

// Requester issues service grant requests from the work queue.
type Requester interface {
	Request(id keyring.ServiceGrantID)
}

// Manager turns feature requests into service grants and decodes the
// vehicle's answers. It is a servicegrant.Interceptor.
type Manager struct {
	q       *workqueue.Queue
	broker  Requester
	log     log.Logger
	subject *change.Subject[State, Action]

	waitingForAck []Feature
}

var _ servicegrant.Interceptor = (*Manager)(nil)

func New(q *workqueue.Queue, broker Requester, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		q:       q,
		broker:  broker,
		log:     logger.WithName("vehicleaccess"),
		subject: change.NewSubject[State, Action](State{}, cloneState),
	}
}

func (m *Manager) Changes() change.Observable[State, Action] {
	return m.subject
}

// RequestFeature asks the vehicle to execute f.
func (m *Manager) RequestFeature(f Feature) {
	m.q.Dispatch(func() {
		m.waitingForAck = append(m.waitingForAck, f)
		m.broker.Request(f.GrantID())
	})
}

func (m *Manager) Consume(c servicegrant.Change) (servicegrant.Change, bool) {
	switch c.Action.Kind {
	case servicegrant.ActionInitial:
		return c, false
	case servicegrant.ActionRequestServiceGrant:
		return m.consumeRequest(c)
	case servicegrant.ActionResponseReceived:
		return m.consumeResponse(c)
	case servicegrant.ActionRequestFailed:
		m.failOutstanding(c.Action.Error)
	case servicegrant.ActionReset:
		m.reset()
	}
	return servicegrant.Without(c, GrantIDs()...), true
}

func (m *Manager) consumeRequest(c servicegrant.Change) (servicegrant.Change, bool) {
	f, ok := FeatureForGrant(c.Action.GrantID)
	if !ok {
		return servicegrant.Without(c, GrantIDs()...), true
	}
	i := slices.Index(m.waitingForAck, f)
	if i < 0 {
		return servicegrant.Without(c, GrantIDs()...), true
	}
	m.waitingForAck = slices.Delete(m.waitingForAck, i, i+1)

	st := m.subject.State()
	a := Action{Kind: ActionRequestFeature, Feature: f, Accepted: c.Action.Accepted}
	if a.Accepted {
		st = append(st, f)
	} else {
		a.Response = Response{Feature: f, Err: ErrorQueueFull}
	}
	m.subject.Send(st, a)
	return c, false
}

func (m *Manager) consumeResponse(c servicegrant.Change) (servicegrant.Change, bool) {
	resp := c.Action.Response
	f, ok := FeatureForGrant(resp.GrantID)
	if !ok {
		return servicegrant.Without(c, GrantIDs()...), true
	}
	st := m.subject.State()
	i := slices.Index(st, f)
	if i < 0 {
		return servicegrant.Without(c, GrantIDs()...), true
	}

	r, terminal := decode(f, resp)
	if !terminal {
		return c, false
	}
	m.subject.Send(slices.Delete(st, i, i+1), Action{Kind: ActionResponseReceived, Feature: f, Response: r})
	return c, false
}

// failOutstanding fails every feature awaiting an ack or a response, one
// change per feature.
func (m *Manager) failOutstanding(kind servicegrant.ErrorKind) {
	waitingErr := ErrorRemoteFailed
	if kind == servicegrant.ErrorNotConnected {
		waitingErr = ErrorNotConnected
	}

	st := m.subject.State()
	waiting := m.waitingForAck
	m.waitingForAck = nil
	for _, f := range waiting {
		m.fail(st, f, waitingErr)
	}
	for len(st) > 0 {
		f := st[0]
		st = slices.Clone(st[1:])
		m.fail(st, f, ErrorRemoteFailed)
	}
}

func (m *Manager) fail(st State, f Feature, kind ErrorKind) {
	m.log.Debug("feature failed", "feature", f, "error", kind)
	m.subject.Send(st, Action{
		Kind:     ActionResponseReceived,
		Feature:  f,
		Response: Response{Feature: f, Err: kind},
	})
}

func (m *Manager) reset() {
	m.waitingForAck = nil
	if len(m.subject.State()) == 0 {
		return
	}
	m.subject.Send(State{}, Action{Kind: ActionReset})
}

// decode maps a vehicle response. It reports false for pending responses.
func decode(f Feature, resp servicegrant.Response) (Response, bool) {
	r := Response{Feature: f}
	if resp.Data == resultKeyDestroyed {
		r.Err = ErrorKeyDestroyed
		return r, true
	}

	switch resp.Status {
	case servicegrant.StatusPending:
		return r, false
	case servicegrant.StatusInvalidTimeFrame, servicegrant.StatusNotAllowed:
		r.Err = ErrorDenied
	case servicegrant.StatusSuccess:
		switch f {
		case FeatureLockStatus:
			switch resp.Data {
			case resultLocked:
				r.Locked = true
			case resultUnlocked:
			default:
				r.Err = ErrorNotSupported
			}
		case FeatureIgnitionStatus:
			switch resp.Data {
			case resultEnabled:
				r.IgnitionEnabled = true
			case resultDisabled:
			default:
				r.Err = ErrorNotSupported
			}
		}
	default:
		r.Err = ErrorRemoteFailed
	}
	return r, true
}
