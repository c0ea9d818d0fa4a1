// Package tacs binds the connection engine, the service grant broker and the
// feature managers to one activated access grant. Callers see vehicles by
// their external reference only.
package tacs

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/connection"
	"github.com/autopeer-io/tacs/internal/tacs/keyholder"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/location"
	"github.com/autopeer-io/tacs/internal/tacs/radio"
	"github.com/autopeer-io/tacs/internal/tacs/servicegrant"
	"github.com/autopeer-io/tacs/internal/tacs/telematics"
	"github.com/autopeer-io/tacs/internal/tacs/tracking"
	"github.com/autopeer-io/tacs/internal/tacs/vehicleaccess"
	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/options"
)

var ErrNoKeyring = errors.New("no keyring")

type Config struct {
	Connection connection.Config
	// QueueCapacity bounds the service grants in flight. Zero uses the broker default.
	QueueCapacity int
	// AutoConnect connects as soon as the vehicle of the active setup is discovered.
	AutoConnect bool
}

func ConfigFromOptions(o *options.BLEOptions) Config {
	return Config{
		Connection:    connection.ConfigFromOptions(o),
		QueueCapacity: o.BrokerQueueCapacity,
		AutoConnect:   true,
	}
}

type Option func(*Manager)

func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithTracker mirrors every forwarded change to t.
func WithTracker(t *tracking.Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

func WithForegroundProvider(p connection.ForegroundProvider) Option {
	return func(m *Manager) { m.engineOpts = append(m.engineOpts, connection.WithForegroundProvider(p)) }
}

func WithForeground(fg bool) Option {
	return func(m *Manager) { m.engineOpts = append(m.engineOpts, connection.WithForeground(fg)) }
}

type Manager struct {
	q          *workqueue.Queue
	cfg        Config
	log        log.Logger
	tracker    *tracking.Tracker
	engineOpts []connection.Option

	engine        *connection.Engine
	broker        *servicegrant.Broker
	vehicleAccess *vehicleaccess.Manager
	telematics    *telematics.Manager
	location      *location.Manager
	keyholder     *keyholder.Manager

	discovery   *change.Subject[DiscoveryState, DiscoveryAction]
	connections *change.Subject[ConnectionState, ConnectionAction]
	subs        []*change.Subscription

	mu    sync.RWMutex
	setup *keyring.Setup
}

// New wires a manager on q. central talks to vehicles, keyholderCentral scans
// for key cards; they may not be the same Central.
func New(q *workqueue.Queue, central, keyholderCentral radio.Central, clk clock.WithDelayedExecution, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		q:   q,
		cfg: cfg,
		log: log.NewNopLogger(),
		discovery: change.NewSubject[DiscoveryState, DiscoveryAction](
			DiscoveryState{Discovered: map[keyring.VehicleRef]VehicleInfo{}}, cloneDiscoveryState),
		connections: change.NewSubject[ConnectionState, ConnectionAction](
			ConnectionState{Phase: connection.PhaseDisconnected}, nil),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.engine = connection.New(q, central, clk, cfg.Connection,
		append([]connection.Option{connection.WithLogger(m.log)}, m.engineOpts...)...)
	m.broker = servicegrant.New(q, m.engine,
		servicegrant.WithLogger(m.log),
		servicegrant.WithQueueCapacity(cfg.QueueCapacity),
		servicegrant.WithClock(clk))

	connected := func() bool { return m.engine.Connection().State().IsConnected() }
	m.telematics = telematics.New(q, m.broker, connected, m.log)
	m.vehicleAccess = vehicleaccess.New(q, m.broker, m.log)
	m.location = location.New(q, m.broker, connected, m.log)
	m.broker.Register(m.telematics)
	m.broker.Register(m.vehicleAccess)
	m.broker.Register(m.location)

	m.keyholder = keyholder.New(q, keyholderCentral, clk, m.keyholderID, m.log)
	m.log = m.log.WithName("tacs")

	m.tracker.Track(tracking.InterfaceInitialized, nil, tracking.SeverityInfo)
	return m
}

// Start begins following the radio. Call it once.
func (m *Manager) Start() {
	m.engine.Start()
	m.broker.Start()
	m.q.Dispatch(func() {
		m.subs = append(m.subs,
			m.engine.Discovery().Subscribe(m.onDiscoveryChange),
			m.engine.Connection().Subscribe(m.onConnectionChange),
			m.vehicleAccess.Changes().Subscribe(m.trackVehicleAccess),
			m.telematics.Changes().Subscribe(m.trackTelematics),
			m.location.Changes().Subscribe(m.trackLocation),
			m.keyholder.Changes().Subscribe(m.trackKeyholder),
		)
	})
}

// Stop disconnects and stops following the radio.
func (m *Manager) Stop() {
	m.engine.Stop()
	m.q.Dispatch(func() {
		for _, s := range m.subs {
			s.Cancel()
		}
		m.subs = nil
	})
}

// Activate makes the lease of accessGrantID the active setup. On failure the
// previous setup stays active.
func (m *Manager) Activate(accessGrantID string, kr *keyring.Keyring) error {
	params := map[string]any{tracking.KeyAccessGrantID: accessGrantID}
	if kr == nil {
		params[tracking.KeyError] = keyring.RejectionMessage(ErrNoKeyring)
		m.tracker.Track(tracking.AccessGrantRejected, params, tracking.SeverityError)
		return ErrNoKeyring
	}

	setup, err := kr.Resolve(accessGrantID)
	if err != nil {
		m.log.Error(err, "Access grant rejected", "accessGrantID", accessGrantID)
		params[tracking.KeyError] = keyring.RejectionMessage(err)
		m.tracker.Track(tracking.AccessGrantRejected, params, tracking.SeverityError)
		return err
	}

	m.mu.Lock()
	m.setup = setup
	m.mu.Unlock()
	m.broker.SetSession(setup.LeaseToken, setup.Blob)

	m.log.Info("Access grant activated", "accessGrantID", accessGrantID, "sorcID", setup.SorcID, "vehicleRef", setup.VehicleRef)
	params[tracking.KeySorcID] = setup.SorcID.String()
	params[tracking.KeyVehicleRef] = setup.VehicleRef
	params[tracking.KeyLeaseTokenID] = setup.LeaseToken.ID.String()
	m.tracker.Track(tracking.AccessGrantAccepted, params, tracking.SeverityInfo)
	return nil
}

// Setup returns a copy of the active setup.
func (m *Manager) Setup() (keyring.Setup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.setup == nil {
		return keyring.Setup{}, false
	}
	return *m.setup, true
}

// Reset disconnects, stops scanning and forgets the active setup.
func (m *Manager) Reset() {
	m.engine.Disconnect()
	m.engine.StopDiscovery()
	m.q.Dispatch(func() {
		m.mu.Lock()
		m.setup = nil
		m.mu.Unlock()
		m.broker.ClearSession()
	})
}

// StartScanning looks for the vehicle of the active setup until it is found
// or the configured discovery timeout elapses.
func (m *Manager) StartScanning() {
	m.StartScanningWithTimeout(0)
}

// StartScanningWithTimeout is StartScanning with its own timeout. A
// non-positive timeout uses the configured one.
func (m *Manager) StartScanningWithTimeout(timeout time.Duration) {
	m.tracker.Track(tracking.DiscoveryStartedByApp, m.defaultParams(), tracking.SeverityInfo)
	m.q.Dispatch(func() {
		setup, ok := m.Setup()
		if !ok {
			m.discovery.Send(m.discovery.State(), DiscoveryAction{Kind: DiscoveryMissingBlobData})
			return
		}
		m.engine.StartDiscoveryFor(setup.SorcID, timeout)
	})
}

func (m *Manager) StopScanning() {
	m.tracker.Track(tracking.DiscoveryCancelledByApp, m.defaultParams(), tracking.SeverityInfo)
	m.engine.StopDiscovery()
}

// Connect connects to the vehicle of the active setup once it was discovered.
func (m *Manager) Connect() {
	m.tracker.Track(tracking.ConnectionStartedByApp, m.defaultParams(), tracking.SeverityInfo)
	m.q.Dispatch(func() {
		setup, ok := m.Setup()
		if !ok {
			a := ConnectionAction{Kind: ConnectionConnectingFailedDataMissing}
			m.trackConnection(a)
			m.connections.Send(m.connections.State(), a)
			return
		}
		m.engine.Connect(setup.SorcID)
	})
}

func (m *Manager) Disconnect() {
	m.tracker.Track(tracking.ConnectionCancelledByApp, m.defaultParams(), tracking.SeverityInfo)
	m.engine.Disconnect()
}

// SetForeground switches between unfiltered and filtered scanning.
func (m *Manager) SetForeground(fg bool) {
	m.engine.SetForeground(fg)
}

func (m *Manager) Lock() {
	m.requestFeatures(vehicleaccess.FeatureLock, vehicleaccess.FeatureLockStatus)
}

func (m *Manager) Unlock() {
	m.requestFeatures(vehicleaccess.FeatureUnlock, vehicleaccess.FeatureLockStatus)
}

func (m *Manager) EnableIgnition() {
	m.requestFeatures(vehicleaccess.FeatureEnableIgnition, vehicleaccess.FeatureIgnitionStatus)
}

func (m *Manager) DisableIgnition() {
	m.requestFeatures(vehicleaccess.FeatureDisableIgnition, vehicleaccess.FeatureIgnitionStatus)
}

func (m *Manager) LockStatus() {
	m.requestFeatures(vehicleaccess.FeatureLockStatus)
}

func (m *Manager) IgnitionStatus() {
	m.requestFeatures(vehicleaccess.FeatureIgnitionStatus)
}

func (m *Manager) requestFeatures(features ...vehicleaccess.Feature) {
	for _, f := range features {
		m.tracker.Track(requestedEvents[f], m.defaultParams(), tracking.SeverityInfo)
		m.vehicleAccess.RequestFeature(f)
	}
}

func (m *Manager) RequestTelematicsData(types []telematics.DataType) {
	m.tracker.Track(tracking.TelematicsRequested, m.defaultParams(), tracking.SeverityInfo)
	m.telematics.RequestData(types)
}

func (m *Manager) RequestLocation() {
	m.tracker.Track(tracking.LocationRequested, m.defaultParams(), tracking.SeverityInfo)
	m.location.RequestLocation()
}

// RequestKeyholderStatus scans for the key card of the active setup.
func (m *Manager) RequestKeyholderStatus(timeout time.Duration) {
	params := m.keyholderParams()
	params[tracking.KeyTimeout] = timeout.Seconds()
	m.tracker.Track(tracking.KeyholderStatusRequested, params, tracking.SeverityInfo)
	m.keyholder.RequestStatus(timeout)
}

func (m *Manager) Bluetooth() change.Observable[radio.AdapterState, connection.BluetoothAction] {
	return m.engine.Bluetooth()
}

func (m *Manager) Discovery() change.Observable[DiscoveryState, DiscoveryAction] {
	return m.discovery
}

func (m *Manager) Connection() change.Observable[ConnectionState, ConnectionAction] {
	return m.connections
}

func (m *Manager) VehicleAccess() change.Observable[vehicleaccess.State, vehicleaccess.Action] {
	return m.vehicleAccess.Changes()
}

func (m *Manager) Telematics() change.Observable[telematics.State, telematics.Action] {
	return m.telematics.Changes()
}

func (m *Manager) Location() change.Observable[location.State, location.Action] {
	return m.location.Changes()
}

func (m *Manager) Keyholder() change.Observable[keyholder.State, keyholder.Action] {
	return m.keyholder.Changes()
}

// ServiceGrants is the raw broker stream, after every feature manager took its share.
func (m *Manager) ServiceGrants() change.Observable[servicegrant.State, servicegrant.Action] {
	return m.broker.Changes()
}

func (m *Manager) keyholderID() (uuid.UUID, bool) {
	setup, ok := m.Setup()
	if !ok || setup.KeyholderID == nil {
		return uuid.Nil, false
	}
	return *setup.KeyholderID, true
}

func (m *Manager) translator() (translator, bool) {
	setup, ok := m.Setup()
	if !ok {
		return translator{}, false
	}
	return translator{sorcID: setup.SorcID, ref: setup.VehicleRef}, true
}

func (m *Manager) onDiscoveryChange(c connection.DiscoveryChange) {
	if c.Action.Kind == connection.DiscoveryInitial {
		return
	}
	t, ok := m.translator()
	if !ok {
		return
	}
	a, ok := t.discoveryAction(c.Action)
	if !ok {
		m.log.Debug("Dropping discovery change of another vehicle", "action", c.Action.Kind, "sorcID", c.Action.SorcID)
		return
	}

	m.trackDiscovery(a)
	m.discovery.Send(t.discoveryState(c.State), a)

	if c.Action.Kind == connection.Discovered && m.cfg.AutoConnect {
		m.engine.Connect(t.sorcID)
	}
}

func (m *Manager) onConnectionChange(c connection.Change) {
	if c.Action.Kind == connection.ActionInitial {
		return
	}
	t, ok := m.translator()
	if !ok {
		return
	}
	tc, ok := t.connectionChange(c)
	if !ok {
		m.log.Debug("Dropping connection change of another vehicle", "action", c.Action.Kind, "sorcID", c.Action.SorcID)
		return
	}

	m.trackConnection(tc.Action)
	m.connections.Send(tc.State, tc.Action)
}
