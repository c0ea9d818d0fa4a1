package servicegrant

import (
	"fmt"
	"slices"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
)

// Status is the outcome the vehicle reports for a service grant.
type Status uint8

const (
	StatusSuccess Status = iota
	// StatusPending is intermediate; a terminal status follows.
	StatusPending
	StatusFailure
	StatusInvalidTimeFrame
	StatusNotAllowed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	case StatusFailure:
		return "failure"
	case StatusInvalidTimeFrame:
		return "invalidTimeFrame"
	case StatusNotAllowed:
		return "notAllowed"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether no further response follows.
func (s Status) Terminal() bool { return s != StatusPending }

// Response is one answer of the vehicle.
type Response struct {
	SorcID  keyring.SorcID
	GrantID keyring.ServiceGrantID
	Status  Status
	Data    string
}

// State lists the service grants awaiting a terminal response.
type State struct {
	RequestingServiceGrantIDs []keyring.ServiceGrantID
}

// Requesting reports whether id is awaiting a response.
func (s State) Requesting(id keyring.ServiceGrantID) bool {
	return slices.Contains(s.RequestingServiceGrantIDs, id)
}

// cloneState copies s. An empty set is always nil.
func cloneState(s State) State {
	if len(s.RequestingServiceGrantIDs) == 0 {
		return State{}
	}
	s.RequestingServiceGrantIDs = slices.Clone(s.RequestingServiceGrantIDs)
	return s
}

// ErrorKind classifies a failed request.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorNotConnected
	ErrorSendFailed
	ErrorRemoteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorNotConnected:
		return "notConnected"
	case ErrorSendFailed:
		return "sendFailed"
	case ErrorRemoteFailed:
		return "remoteFailed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

type ActionKind int

const (
	ActionInitial ActionKind = iota
	ActionRequestServiceGrant
	ActionResponseReceived
	ActionRequestFailed
	ActionReset
)

func (k ActionKind) String() string {
	switch k {
	case ActionInitial:
		return "initial"
	case ActionRequestServiceGrant:
		return "requestServiceGrant"
	case ActionResponseReceived:
		return "responseReceived"
	case ActionRequestFailed:
		return "requestFailed"
	case ActionReset:
		return "reset"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is the action of a service grant Change. GrantID and Accepted are
// set on RequestServiceGrant, Response on ResponseReceived and Error on
// RequestFailed.
type Action struct {
	Kind     ActionKind
	GrantID  keyring.ServiceGrantID
	Accepted bool
	Response Response
	Error    ErrorKind
}

type Change = change.Change[State, Action]

// Without returns c with ids removed from the requesting set.
func Without(c Change, ids ...keyring.ServiceGrantID) Change {
	c.State = cloneState(c.State)
	c.State.RequestingServiceGrantIDs = slices.DeleteFunc(c.State.RequestingServiceGrantIDs, func(id keyring.ServiceGrantID) bool {
		return slices.Contains(ids, id)
	})
	if len(c.State.RequestingServiceGrantIDs) == 0 {
		c.State.RequestingServiceGrantIDs = nil
	}
	return c
}

// Interceptor sees every broker change in registration order. Returning false
// consumes the change: later interceptors and subscribers never see it.
type Interceptor interface {
	Consume(c Change) (Change, bool)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(c Change) (Change, bool)

func (f InterceptorFunc) Consume(c Change) (Change, bool) { return f(c) }
