package vehicleaccess

import (
	"fmt"
	"slices"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
)

// Feature is a vehicle access command or status query.
type Feature int

const (
	FeatureUnlock Feature = iota + 1
	FeatureLock
	FeatureLockStatus
	FeatureEnableIgnition
	FeatureDisableIgnition
	FeatureIgnitionStatus
)

var featureNames = map[Feature]string{
	FeatureUnlock:          "unlock",
	FeatureLock:            "lock",
	FeatureLockStatus:      "lockStatus",
	FeatureEnableIgnition:  "enableIgnition",
	FeatureDisableIgnition: "disableIgnition",
	FeatureIgnitionStatus:  "ignitionStatus",
}

func (f Feature) String() string {
	if s, ok := featureNames[f]; ok {
		return s
	}
	return fmt.Sprintf("Feature(%d)", int(f))
}

// GrantID is the service grant executing the feature.
func (f Feature) GrantID() keyring.ServiceGrantID {
	return keyring.ServiceGrantID(f)
}

// FeatureForGrant maps a service grant back to its feature.
func FeatureForGrant(id keyring.ServiceGrantID) (Feature, bool) {
	f := Feature(id)
	_, ok := featureNames[f]
	return f, ok
}

// ParseFeature parses the name returned by Feature.String.
func ParseFeature(s string) (Feature, bool) {
	for f, name := range featureNames {
		if name == s {
			return f, true
		}
	}
	return 0, false
}

// GrantIDs lists every service grant owned by vehicle access.
func GrantIDs() []keyring.ServiceGrantID {
	return []keyring.ServiceGrantID{1, 2, 3, 4, 5, 6}
}

// ErrorKind is why a feature request failed.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorNotConnected
	ErrorDenied
	ErrorRemoteFailed
	ErrorNotSupported
	ErrorKeyDestroyed
	// ErrorQueueFull is carried by a rejected ActionRequestFeature.
	ErrorQueueFull
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorNotConnected:
		return "notConnected"
	case ErrorDenied:
		return "denied"
	case ErrorRemoteFailed:
		return "remoteFailed"
	case ErrorNotSupported:
		return "notSupported"
	case ErrorKeyDestroyed:
		return "keyDestroyed"
	case ErrorQueueFull:
		return "queueFull"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Response is the terminal outcome of a feature request. On success Locked
// is set for lock status queries and IgnitionEnabled for ignition status queries.
type Response struct {
	Feature         Feature
	Err             ErrorKind
	Locked          bool
	IgnitionEnabled bool
}

func (r Response) Success() bool { return r.Err == ErrorNone }

// State lists the features awaiting a response, in request order.
type State []Feature

type ActionKind int

const (
	ActionInitial ActionKind = iota
	// ActionRequestFeature reports whether the broker accepted a request.
	ActionRequestFeature
	ActionResponseReceived
	// ActionReset drops outstanding features after the link went down.
	ActionReset
)

func (k ActionKind) String() string {
	switch k {
	case ActionInitial:
		return "initial"
	case ActionRequestFeature:
		return "requestFeature"
	case ActionResponseReceived:
		return "responseReceived"
	case ActionReset:
		return "reset"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

type Action struct {
	Kind     ActionKind
	Feature  Feature
	Accepted bool
	Response Response
}

type Change = change.Change[State, Action]

func cloneState(s State) State { return slices.Clone(s) }
