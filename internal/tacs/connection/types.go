package connection

import (
	"fmt"
	"maps"
	"time"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/radio"
)

// BluetoothActionKind tells why the adapter state was published.
type BluetoothActionKind int

const (
	BluetoothInitial BluetoothActionKind = iota
	BluetoothStateChanged
)

// BluetoothAction is the action of a BluetoothChange.
type BluetoothAction struct {
	Kind BluetoothActionKind
}

type BluetoothChange = change.Change[radio.AdapterState, BluetoothAction]

// DiscoveredVehicle is a vehicle seen advertising.
type DiscoveredVehicle struct {
	SorcID       keyring.SorcID
	DiscoveredAt time.Time
	RSSI         int
}

// DiscoveryState is the scan state and the vehicles currently in range.
type DiscoveryState struct {
	Enabled    bool
	Discovered map[keyring.SorcID]DiscoveredVehicle
	// Requested is set while scanning for one specific vehicle.
	Requested *keyring.SorcID
}

func cloneDiscoveryState(s DiscoveryState) DiscoveryState {
	s.Discovered = maps.Clone(s.Discovered)
	if s.Requested != nil {
		id := *s.Requested
		s.Requested = &id
	}
	return s
}

type DiscoveryActionKind int

const (
	DiscoveryInitial DiscoveryActionKind = iota
	StartDiscovery
	DiscoveryStarted
	Discovered
	Rediscovered
	Lost
	DiscoveryFailed
	StopDiscovery
	DiscoveryDisconnect
	DiscoveryDisconnected
	DiscoveryReset
)

var discoveryActionNames = [...]string{
	DiscoveryInitial:      "initial",
	StartDiscovery:        "startDiscovery",
	DiscoveryStarted:      "discoveryStarted",
	Discovered:            "discovered",
	Rediscovered:          "rediscovered",
	Lost:                  "lost",
	DiscoveryFailed:       "discoveryFailed",
	StopDiscovery:         "stopDiscovery",
	DiscoveryDisconnect:   "disconnect",
	DiscoveryDisconnected: "disconnected",
	DiscoveryReset:        "reset",
}

func (k DiscoveryActionKind) String() string {
	if k >= 0 && int(k) < len(discoveryActionNames) {
		return discoveryActionNames[k]
	}
	return fmt.Sprintf("DiscoveryActionKind(%d)", int(k))
}

// DiscoveryAction is the action of a DiscoveryChange. SorcID is set for the
// single-vehicle kinds and SorcIDs for Lost.
type DiscoveryAction struct {
	Kind    DiscoveryActionKind
	SorcID  keyring.SorcID
	SorcIDs []keyring.SorcID
}

type DiscoveryChange = change.Change[DiscoveryState, DiscoveryAction]

// Phase is the connection phase.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// State is the connection state. SorcID is zero while disconnected.
type State struct {
	Phase  Phase
	SorcID keyring.SorcID
}

func (s State) IsConnected() bool { return s.Phase == PhaseConnected }

type ActionKind int

const (
	ActionInitial ActionKind = iota
	ActionConnect
	ActionConnectionEstablished
	ActionConnectingFailed
	ActionDisconnect
	ActionConnectionLost
)

var actionNames = [...]string{
	ActionInitial:               "initial",
	ActionConnect:               "connect",
	ActionConnectionEstablished: "connectionEstablished",
	ActionConnectingFailed:      "connectingFailed",
	ActionDisconnect:            "disconnect",
	ActionConnectionLost:        "connectionLost",
}

func (k ActionKind) String() string {
	if k >= 0 && int(k) < len(actionNames) {
		return actionNames[k]
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is the action of a connection Change.
type Action struct {
	Kind   ActionKind
	SorcID keyring.SorcID
	// MTU is set on ActionConnectionEstablished.
	MTU int
	// Err is the radio error behind ActionConnectingFailed, if any.
	Err error
}

type Change = change.Change[State, Action]
