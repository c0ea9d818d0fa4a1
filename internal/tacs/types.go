package tacs

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/tacs/connection"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
)

// VehicleInfo is a discovered vehicle as seen by callers.
type VehicleInfo struct {
	VehicleRef   keyring.VehicleRef
	DiscoveredAt time.Time
	RSSI         int
}

type DiscoveryState struct {
	Discovered map[keyring.VehicleRef]VehicleInfo
}

func cloneDiscoveryState(s DiscoveryState) DiscoveryState {
	s.Discovered = maps.Clone(s.Discovered)
	return s
}

type DiscoveryActionKind int

const (
	DiscoveryInitial DiscoveryActionKind = iota
	DiscoveryStartDiscovery
	DiscoveryStarted
	DiscoveryDiscovered
	DiscoveryRediscovered
	DiscoveryLost
	DiscoveryFailed
	DiscoveryStopDiscovery
	DiscoveryDisconnect
	DiscoveryDisconnected
	DiscoveryReset
	// DiscoveryMissingBlobData reports a scan request without an activated access grant.
	DiscoveryMissingBlobData
)

var discoveryActionNames = [...]string{
	DiscoveryInitial:         "initial",
	DiscoveryStartDiscovery:  "startDiscovery",
	DiscoveryStarted:         "discoveryStarted",
	DiscoveryDiscovered:      "discovered",
	DiscoveryRediscovered:    "rediscovered",
	DiscoveryLost:            "lost",
	DiscoveryFailed:          "discoveryFailed",
	DiscoveryStopDiscovery:   "stopDiscovery",
	DiscoveryDisconnect:      "disconnect",
	DiscoveryDisconnected:    "disconnected",
	DiscoveryReset:           "reset",
	DiscoveryMissingBlobData: "missingBlobData",
}

func (k DiscoveryActionKind) String() string {
	if int(k) < len(discoveryActionNames) {
		return discoveryActionNames[k]
	}
	return fmt.Sprintf("DiscoveryActionKind(%d)", int(k))
}

var discoveryKinds = map[connection.DiscoveryActionKind]DiscoveryActionKind{
	connection.DiscoveryInitial:      DiscoveryInitial,
	connection.StartDiscovery:        DiscoveryStartDiscovery,
	connection.DiscoveryStarted:      DiscoveryStarted,
	connection.Discovered:            DiscoveryDiscovered,
	connection.Rediscovered:          DiscoveryRediscovered,
	connection.Lost:                  DiscoveryLost,
	connection.DiscoveryFailed:       DiscoveryFailed,
	connection.StopDiscovery:         DiscoveryStopDiscovery,
	connection.DiscoveryDisconnect:   DiscoveryDisconnect,
	connection.DiscoveryDisconnected: DiscoveryDisconnected,
	connection.DiscoveryReset:        DiscoveryReset,
}

type DiscoveryAction struct {
	Kind        DiscoveryActionKind
	VehicleRef  keyring.VehicleRef
	VehicleRefs []keyring.VehicleRef
}

type DiscoveryChange = change.Change[DiscoveryState, DiscoveryAction]

type ConnectionState struct {
	Phase      connection.Phase
	VehicleRef keyring.VehicleRef
}

type ConnectionActionKind int

const (
	ConnectionInitial ConnectionActionKind = iota
	ConnectionConnect
	ConnectionEstablished
	ConnectionConnectingFailed
	// ConnectionConnectingFailedDataMissing reports a connect without an activated access grant.
	ConnectionConnectingFailedDataMissing
	ConnectionDisconnect
	ConnectionLost
)

var connectionActionNames = [...]string{
	ConnectionInitial:                     "initial",
	ConnectionConnect:                     "connect",
	ConnectionEstablished:                 "connectionEstablished",
	ConnectionConnectingFailed:            "connectingFailed",
	ConnectionConnectingFailedDataMissing: "connectingFailedDataMissing",
	ConnectionDisconnect:                  "disconnect",
	ConnectionLost:                        "connectionLost",
}

func (k ConnectionActionKind) String() string {
	if int(k) < len(connectionActionNames) {
		return connectionActionNames[k]
	}
	return fmt.Sprintf("ConnectionActionKind(%d)", int(k))
}

var connectionKinds = map[connection.ActionKind]ConnectionActionKind{
	connection.ActionInitial:               ConnectionInitial,
	connection.ActionConnect:               ConnectionConnect,
	connection.ActionConnectionEstablished: ConnectionEstablished,
	connection.ActionConnectingFailed:      ConnectionConnectingFailed,
	connection.ActionDisconnect:            ConnectionDisconnect,
	connection.ActionConnectionLost:        ConnectionLost,
}

type ConnectionAction struct {
	Kind       ConnectionActionKind
	VehicleRef keyring.VehicleRef
	Err        error
}

type ConnectionChange = change.Change[ConnectionState, ConnectionAction]

// translator maps the SORC of the active setup to its vehicle reference.
type translator struct {
	sorcID keyring.SorcID
	ref    keyring.VehicleRef
}

func (t translator) vehicleRef(id keyring.SorcID) (keyring.VehicleRef, bool) {
	if id != t.sorcID {
		return "", false
	}
	return t.ref, true
}

func (t translator) discoveryState(st connection.DiscoveryState) DiscoveryState {
	out := DiscoveryState{Discovered: map[keyring.VehicleRef]VehicleInfo{}}
	if v, ok := st.Discovered[t.sorcID]; ok {
		out.Discovered[t.ref] = VehicleInfo{VehicleRef: t.ref, DiscoveredAt: v.DiscoveredAt, RSSI: v.RSSI}
	}
	return out
}

// discoveryAction reports false for actions about other vehicles.
func (t translator) discoveryAction(a connection.DiscoveryAction) (DiscoveryAction, bool) {
	out := DiscoveryAction{Kind: discoveryKinds[a.Kind]}
	switch a.Kind {
	case connection.DiscoveryStarted, connection.Discovered, connection.Rediscovered,
		connection.DiscoveryDisconnect, connection.DiscoveryDisconnected:
		ref, ok := t.vehicleRef(a.SorcID)
		if !ok {
			return DiscoveryAction{}, false
		}
		out.VehicleRef = ref
	case connection.Lost:
		if !slices.Contains(a.SorcIDs, t.sorcID) {
			return DiscoveryAction{}, false
		}
		out.VehicleRefs = []keyring.VehicleRef{t.ref}
	}
	return out, true
}

func (t translator) connectionChange(c change.Change[connection.State, connection.Action]) (ConnectionChange, bool) {
	st := ConnectionState{Phase: c.State.Phase}
	if c.State.Phase != connection.PhaseDisconnected {
		ref, ok := t.vehicleRef(c.State.SorcID)
		if !ok {
			return ConnectionChange{}, false
		}
		st.VehicleRef = ref
	}

	a := ConnectionAction{Kind: connectionKinds[c.Action.Kind], Err: c.Action.Err}
	if c.Action.Kind != connection.ActionInitial {
		ref, ok := t.vehicleRef(c.Action.SorcID)
		if !ok {
			return ConnectionChange{}, false
		}
		a.VehicleRef = ref
	}
	return ConnectionChange{State: st, Action: a}, true
}
