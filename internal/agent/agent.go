// Package agent runs one TACS manager as a daemon and exposes it to operators
// over HTTP, a websocket event stream and optionally MQTT.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/autopeer-io/tacs/internal/agent/server"
	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs"
	"github.com/autopeer-io/tacs/internal/tacs/connection"
	"github.com/autopeer-io/tacs/internal/tacs/keyholder"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/location"
	"github.com/autopeer-io/tacs/internal/tacs/telematics"
	"github.com/autopeer-io/tacs/internal/tacs/vehicleaccess"
	"github.com/autopeer-io/tacs/pkg/log"
)

// ErrNoAccessGrant is returned by Activate when neither the command nor the
// configuration names an access grant.
var ErrNoAccessGrant = errors.New("no access grant id")

type Agent struct {
	id            string
	q             *workqueue.Queue
	tacs          *tacs.Manager
	source        keyring.Source
	accessGrantID string
	bus           *Bus
	servers       *server.Manager
	log           log.Logger

	// closers run after the manager stopped, in order.
	closers []func()

	mu      sync.RWMutex
	keyring *keyring.Keyring
	loaded  bool

	subs []*change.Subscription
}

func newAgent(id string, q *workqueue.Queue, m *tacs.Manager, source keyring.Source, accessGrantID string, bus *Bus) *Agent {
	return &Agent{
		id:            id,
		q:             q,
		tacs:          m,
		source:        source,
		accessGrantID: accessGrantID,
		bus:           bus,
		servers:       server.NewManager(),
		log:           log.WithName("agent").WithValues("agentID", id),
	}
}

// Run starts the manager, loads the keyring and serves until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("Starting tacs-agent")

	a.Start()
	defer a.Stop()

	a.loadKeyring(ctx)

	err := a.servers.Start(ctx)
	a.log.Info("Agent shutting down...")
	return err
}

// Start follows the manager's streams and publishes them as events.
func (a *Agent) Start() {
	a.tacs.Start()
	a.q.Dispatch(func() {
		a.subs = append(a.subs,
			a.tacs.Bluetooth().Subscribe(func(c connection.BluetoothChange) {
				a.bus.Publish(bluetoothEvent(c))
			}),
			a.tacs.Discovery().Subscribe(func(c tacs.DiscoveryChange) {
				if e, ok := discoveryEvent(c); ok {
					a.bus.Publish(e)
				}
			}),
			a.tacs.Connection().Subscribe(func(c tacs.ConnectionChange) {
				a.bus.Publish(connectionEvent(c))
			}),
			a.tacs.VehicleAccess().Subscribe(func(c vehicleaccess.Change) {
				if e, ok := vehicleAccessEvent(c, a.vehicleRef()); ok {
					a.bus.Publish(e)
				}
			}),
			a.tacs.Telematics().Subscribe(func(c telematics.Change) {
				for _, e := range telematicsEvents(c, a.vehicleRef()) {
					a.bus.Publish(e)
				}
			}),
			a.tacs.Location().Subscribe(func(c location.Change) {
				if e, ok := locationEvent(c, a.vehicleRef()); ok {
					a.bus.Publish(e)
				}
			}),
			a.tacs.Keyholder().Subscribe(func(c keyholder.Change) {
				if e, ok := keyholderEvent(c, a.vehicleRef()); ok {
					a.bus.Publish(e)
				}
			}),
		)
	})
}

// Stop releases the manager, the radio and every other resource of the agent.
func (a *Agent) Stop() {
	a.q.Dispatch(func() {
		for _, s := range a.subs {
			s.Cancel()
		}
		a.subs = nil
	})
	a.tacs.Stop()
	a.q.Flush()
	for _, c := range a.closers {
		c()
	}
}

func (a *Agent) vehicleRef() string {
	if s, ok := a.tacs.Setup(); ok {
		return s.VehicleRef
	}
	return ""
}

func (a *Agent) loadKeyring(ctx context.Context) {
	if a.source == nil {
		return
	}
	kr, err := a.source.Load(ctx)
	if err != nil {
		a.log.Error(err, "Failed to load keyring, waiting for an upload")
		return
	}
	if err := a.SetKeyring(kr); err != nil {
		a.log.Error(err, "Failed to activate access grant")
	}
}

// SetKeyring replaces the keyring and activates the active or configured
// access grant from it. The keyring is kept even if activation fails.
func (a *Agent) SetKeyring(kr *keyring.Keyring) error {
	a.mu.Lock()
	a.keyring = kr
	a.loaded = true
	a.mu.Unlock()

	grantID := a.accessGrantID
	if s, ok := a.tacs.Setup(); ok {
		grantID = s.AccessGrantID
	}
	if grantID == "" {
		return nil
	}
	return a.Activate(grantID)
}

// Activate activates accessGrantID from the current keyring. An empty id
// uses the configured access grant.
func (a *Agent) Activate(accessGrantID string) error {
	if accessGrantID == "" {
		accessGrantID = a.accessGrantID
	}
	if accessGrantID == "" {
		return ErrNoAccessGrant
	}

	a.mu.RLock()
	kr := a.keyring
	a.mu.RUnlock()

	if err := a.tacs.Activate(accessGrantID, kr); err != nil {
		return fmt.Errorf("activate %s: %w", accessGrantID, err)
	}
	return nil
}

// Ready reports whether a keyring has been loaded, when the agent has a source.
func (a *Agent) Ready() bool {
	if a.source == nil {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded
}

// State is the snapshot served on /v1/state.
type State struct {
	AgentID       string  `json:"agentId"`
	AccessGrantID string  `json:"accessGrantId,omitempty"`
	VehicleRef    string  `json:"vehicleRef,omitempty"`
	KeyringLoaded bool    `json:"keyringLoaded"`
	Events        []Event `json:"events"`
}

func (a *Agent) State() State {
	st := State{AgentID: a.id, Events: a.bus.Snapshot()}
	if s, ok := a.tacs.Setup(); ok {
		st.AccessGrantID = s.AccessGrantID
		st.VehicleRef = s.VehicleRef
	}
	a.mu.RLock()
	st.KeyringLoaded = a.keyring != nil
	a.mu.RUnlock()
	return st
}
