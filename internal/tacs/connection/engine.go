// Package connection owns the BLE central role: scanning for vehicles,
// keeping track of the ones in range and the single link to one of them.
package connection

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/metrics"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/keyring"
	"github.com/autopeer-io/tacs/internal/tacs/radio"
	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/options"
)

// Config is the GATT layout of the vehicle and the discovery timing.
type Config struct {
	ServiceUUID          string
	WriteCharacteristic  string
	NotifyCharacteristic string
	// AdvertisedService filters background scans.
	AdvertisedService string
	// CompanyID prefixes the SORC id in manufacturer data.
	CompanyID []byte

	DiscoveryTimeout time.Duration
	OutdatedDuration time.Duration
	SweepInterval    time.Duration
}

// ConfigFromOptions maps validated BLE options.
func ConfigFromOptions(o *options.BLEOptions) Config {
	return Config{
		ServiceUUID:          o.ServiceUUID,
		WriteCharacteristic:  o.WriteCharacteristic,
		NotifyCharacteristic: o.NotifyCharacteristic,
		AdvertisedService:    o.AdvertisedServiceUUID,
		CompanyID:            o.CompanyIDBytes(),
		DiscoveryTimeout:     o.ScanTimeout,
		OutdatedDuration:     o.OutdatedDuration,
		SweepInterval:        o.SweepInterval,
	}
}

// ForegroundProvider answers whether the host application is in the
// foreground. It may block; the engine calls it off the work queue.
type ForegroundProvider func() bool

type Option func(*Engine)

func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithForegroundProvider is consulted when no foreground signal was received yet.
func WithForegroundProvider(p ForegroundProvider) Option {
	return func(e *Engine) { e.foregroundProvider = p }
}

// WithForeground seeds the last known foreground signal.
func WithForeground(fg bool) Option {
	return func(e *Engine) { e.foreground = &fg }
}

type discoveredVehicle struct {
	DiscoveredVehicle
	peripheral string
}

// Engine is the connection and discovery engine. Its state is owned by the
// work queue; public methods dispatch and return immediately.
type Engine struct {
	q       *workqueue.Queue
	central radio.Central
	clock   clock.WithDelayedExecution
	cfg     Config
	log     log.Logger

	bluetooth   *change.Subject[radio.AdapterState, BluetoothAction]
	discovery   *change.Subject[DiscoveryState, DiscoveryAction]
	connections *change.Subject[State, Action]

	conn       *fsm.FSM
	target     keyring.SorcID
	discovered map[keyring.SorcID]*discoveredVehicle

	foreground         *bool
	foregroundProvider ForegroundProvider

	timeout *workqueue.Timer
	sweep   *workqueue.Timer
	onData  func([]byte)
}

// New creates an engine on q driving central. Start installs it as the
// central's handler.
func New(q *workqueue.Queue, central radio.Central, clk clock.WithDelayedExecution, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		q:          q,
		central:    central,
		clock:      clk,
		cfg:        cfg,
		log:        log.NewNopLogger(),
		discovered: map[keyring.SorcID]*discoveredVehicle{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithName("connection")

	e.bluetooth = change.NewSubject[radio.AdapterState, BluetoothAction](central.State(), nil)
	e.discovery = change.NewSubject[DiscoveryState, DiscoveryAction](
		DiscoveryState{Discovered: map[keyring.SorcID]DiscoveredVehicle{}}, cloneDiscoveryState)
	e.connections = change.NewSubject[State, Action](State{Phase: PhaseDisconnected}, nil)
	e.conn = newStateMachine(e.enterPhase)

	return e
}

// Start registers the radio handler and arms the outdated-vehicle sweep.
func (e *Engine) Start() {
	e.central.SetHandler(radioHandler{e})
	e.q.Dispatch(e.armSweep)
}

// Stop cancels the timers and disconnects.
func (e *Engine) Stop() {
	e.q.Dispatch(func() {
		e.timeout.Stop()
		e.sweep.Stop()
		e.sweep = nil
		e.disconnect(Action{})
	})
}

func (e *Engine) Bluetooth() change.Observable[radio.AdapterState, BluetoothAction] {
	return e.bluetooth
}

func (e *Engine) Discovery() change.Observable[DiscoveryState, DiscoveryAction] {
	return e.discovery
}

func (e *Engine) Connection() change.Observable[State, Action] {
	return e.connections
}

// OnData registers the receiver of notifications from the connected vehicle.
// fn runs on the work queue.
func (e *Engine) OnData(fn func([]byte)) {
	e.q.Dispatch(func() { e.onData = fn })
}

// StartDiscovery scans for any vehicle until StopDiscovery. It is a no-op
// while open discovery runs and widens a scoped discovery, dropping its timeout.
func (e *Engine) StartDiscovery() {
	e.q.Dispatch(func() {
		st := e.discovery.State()
		if st.Enabled && st.Requested == nil {
			return
		}
		e.timeout.Stop()
		e.publishDiscovery(DiscoveryAction{Kind: StartDiscovery})
		if !st.Enabled {
			e.startScan()
		}
	})
}

// StartDiscoveryFor scans for one vehicle. It ends with Discovered or, after
// timeout, with DiscoveryFailed. A non-positive timeout uses the configured default.
func (e *Engine) StartDiscoveryFor(sorcID keyring.SorcID, timeout time.Duration) {
	if timeout <= 0 {
		timeout = e.cfg.DiscoveryTimeout
	}
	e.q.Dispatch(func() {
		e.timeout.Stop()
		e.timeout = e.q.AfterFunc(e.clock, timeout, e.onDiscoveryTimeout)
		e.publishDiscovery(DiscoveryAction{Kind: DiscoveryStarted, SorcID: sorcID})
		e.startScan()
	})
}

func (e *Engine) StopDiscovery() {
	e.q.Dispatch(e.stopDiscovery)
}

// Connect connects to a discovered vehicle, replacing any other link.
// Vehicles that were not discovered are ignored.
func (e *Engine) Connect(sorcID keyring.SorcID) {
	e.q.Dispatch(func() { e.connect(sorcID) })
}

// Disconnect tears down the current link, if any.
func (e *Engine) Disconnect() {
	e.q.Dispatch(func() { e.disconnect(Action{}) })
}

// SetForeground records the host application's activity and rescans with
// the matching filter while discovery is enabled.
func (e *Engine) SetForeground(fg bool) {
	e.q.Dispatch(func() {
		changed := e.foreground == nil || *e.foreground != fg
		e.foreground = &fg
		if changed && e.discovery.State().Enabled {
			e.startScan()
		}
	})
}

// Send writes data to the connected vehicle. It must run on the work queue.
func (e *Engine) Send(data []byte) error {
	st := e.connections.State()
	if !st.IsConnected() {
		return ErrNotConnected
	}
	p, ok := e.peripheral(st.SorcID)
	if !ok {
		return ErrNotConnected
	}
	return e.central.Write(p, data)
}

func (e *Engine) connect(sorcID keyring.SorcID) {
	p, ok := e.peripheral(sorcID)
	if !ok {
		e.log.Warn("Ignoring connect to an undiscovered vehicle", "sorcID", sorcID)
		return
	}

	st := e.connections.State()
	switch st.Phase {
	case PhaseConnecting:
		if st.SorcID != sorcID {
			e.disconnect(Action{})
			e.fire(EventConnect, sorcID, Action{Kind: ActionConnect, SorcID: sorcID})
		}
	case PhaseConnected:
		if st.SorcID == sorcID {
			return
		}
		e.disconnect(Action{})
		e.fire(EventConnect, sorcID, Action{Kind: ActionConnect, SorcID: sorcID})
	default:
		e.fire(EventConnect, sorcID, Action{Kind: ActionConnect, SorcID: sorcID})
	}
	e.central.Connect(p)
}

// disconnect cancels the link and publishes action, or Disconnect when action
// is the zero value.
func (e *Engine) disconnect(action Action) {
	st := e.connections.State()
	if st.Phase == PhaseDisconnected {
		return
	}
	if p, ok := e.peripheral(st.SorcID); ok {
		e.central.Disconnect(p)
	}
	delete(e.discovered, st.SorcID)
	e.publishDiscovery(DiscoveryAction{Kind: DiscoveryDisconnect, SorcID: st.SorcID})

	event := EventDisconnect
	switch action.Kind {
	case ActionConnectingFailed:
		event = EventFail
	case ActionConnectionLost:
		event = EventLose
	case ActionInitial:
		action = Action{Kind: ActionDisconnect, SorcID: st.SorcID}
	}
	e.fire(event, st.SorcID, action)
}

func (e *Engine) fire(event string, sorcID keyring.SorcID, action Action) {
	prev := e.target
	e.target = sorcID
	if err := e.conn.Event(context.Background(), event, action); err != nil {
		e.target = prev
		e.log.Debug("Connection event rejected", "event", event, "state", e.conn.Current(), "error", err)
	}
}

func (e *Engine) enterPhase(_ context.Context, phase Phase, action Action) error {
	st := State{Phase: phase}
	if phase != PhaseDisconnected {
		st.SorcID = e.target
	} else {
		e.target = uuid.Nil
	}

	switch phase {
	case PhaseDisconnected:
		metrics.ConnectionState.Set(0)
	case PhaseConnecting:
		metrics.ConnectionState.Set(1)
	case PhaseConnected:
		metrics.ConnectionState.Set(2)
	}

	e.log.Debug("Connection changed", "phase", phase, "action", action.Kind, "sorcID", action.SorcID)
	e.connections.Send(st, action)
	return nil
}

func (e *Engine) stopDiscovery() {
	e.timeout.Stop()
	e.central.StopScan()
	e.publishDiscovery(DiscoveryAction{Kind: StopDiscovery})
}

func (e *Engine) onDiscoveryTimeout() {
	if !e.discovery.State().Enabled {
		return
	}
	e.publishDiscovery(DiscoveryAction{Kind: DiscoveryFailed})
	e.central.StopScan()
}

// startScan scans with the filter of the last known foreground signal, or
// asks the ForegroundProvider first.
func (e *Engine) startScan() {
	if e.central.State() != radio.StatePoweredOn {
		return
	}
	if e.foreground != nil {
		e.scan(*e.foreground)
		return
	}
	if e.foregroundProvider == nil {
		e.scan(true)
		return
	}

	provider := e.foregroundProvider
	go func() {
		fg := provider()
		e.q.Dispatch(func() {
			if e.foreground == nil {
				e.foreground = &fg
			}
			if e.discovery.State().Enabled {
				e.scan(*e.foreground)
			}
		})
	}()
}

func (e *Engine) scan(foreground bool) {
	if foreground {
		e.central.Scan(nil)
		return
	}
	e.central.Scan([]string{e.cfg.AdvertisedService})
}

func (e *Engine) armSweep() {
	e.sweep = e.q.AfterFunc(e.clock, e.cfg.SweepInterval, func() {
		e.removeOutdated()
		if e.sweep != nil {
			e.armSweep()
		}
	})
}

// removeOutdated evicts vehicles not seen within the outdated duration,
// except the connection target. Only open discovery reports them Lost.
func (e *Engine) removeOutdated() {
	now := e.clock.Now()
	current := e.connections.State()

	var lost []keyring.SorcID
	for id, v := range e.discovered {
		if current.Phase != PhaseDisconnected && current.SorcID == id {
			continue
		}
		if now.Sub(v.DiscoveredAt) > e.cfg.OutdatedDuration {
			lost = append(lost, id)
		}
	}
	if len(lost) == 0 {
		return
	}
	for _, id := range lost {
		delete(e.discovered, id)
	}
	if st := e.discovery.State(); st.Enabled && st.Requested == nil {
		e.publishDiscovery(DiscoveryAction{Kind: Lost, SorcIDs: lost})
	}
}

func (e *Engine) onAdvertisement(adv radio.Advertisement) {
	st := e.discovery.State()
	if !st.Enabled {
		return
	}
	sorcID, ok := ExtractSorcID(adv.ManufacturerData, e.cfg.CompanyID)
	if !ok {
		return
	}
	if st.Requested != nil && *st.Requested != sorcID {
		return
	}

	v := &discoveredVehicle{
		DiscoveredVehicle: DiscoveredVehicle{SorcID: sorcID, DiscoveredAt: e.clock.Now(), RSSI: adv.RSSI},
		peripheral:        adv.Peripheral,
	}
	conn := e.connections.State()
	old, replaced := e.discovered[sorcID]
	if replaced && conn.Phase != PhaseDisconnected && conn.SorcID == sorcID {
		v.peripheral = old.peripheral
	}
	e.discovered[sorcID] = v

	kind := Discovered
	if replaced {
		kind = Rediscovered
	}
	e.publishDiscovery(DiscoveryAction{Kind: kind, SorcID: sorcID})

	if st.Requested != nil {
		e.stopDiscovery()
	}
}

func (e *Engine) onStateChanged(s radio.AdapterState) {
	e.log.Debug("Adapter state changed", "state", s)

	if s == radio.StatePoweredOn {
		if e.discovery.State().Enabled {
			e.startScan()
		}
	} else {
		e.discovered = map[keyring.SorcID]*discoveredVehicle{}
		e.publishDiscovery(DiscoveryAction{Kind: DiscoveryReset})

		if st := e.connections.State(); st.Phase != PhaseDisconnected {
			e.fire(EventLose, st.SorcID, Action{Kind: ActionConnectionLost, SorcID: st.SorcID})
		}
	}

	e.bluetooth.Send(s, BluetoothAction{Kind: BluetoothStateChanged})
}

// pending returns the sorc of the link in the given phases if p is its peripheral.
func (e *Engine) pending(p string, phases ...Phase) (keyring.SorcID, bool) {
	st := e.connections.State()
	for _, ph := range phases {
		if st.Phase != ph {
			continue
		}
		if cur, ok := e.peripheral(st.SorcID); ok && cur == p {
			return st.SorcID, true
		}
	}
	e.log.Debug("Dropping stale radio callback", "peripheral", p, "phase", st.Phase)
	return uuid.Nil, false
}

func (e *Engine) onConnected(p string) {
	if _, ok := e.pending(p, PhaseConnecting); !ok {
		return
	}
	e.central.DiscoverServices(p, e.cfg.ServiceUUID, e.cfg.WriteCharacteristic, e.cfg.NotifyCharacteristic)
}

func (e *Engine) onConnectFailed(p string, err error) {
	sorcID, ok := e.pending(p, PhaseConnecting)
	if !ok {
		return
	}
	e.log.Error(err, "Connecting failed", "sorcID", sorcID)
	e.fire(EventFail, sorcID, Action{Kind: ActionConnectingFailed, SorcID: sorcID, Err: err})
}

func (e *Engine) onServicesDiscovered(p string, err error) {
	sorcID, ok := e.pending(p, PhaseConnecting)
	if !ok {
		return
	}
	if err != nil {
		e.log.Error(err, "Service discovery failed", "sorcID", sorcID)
		e.disconnect(Action{Kind: ActionConnectingFailed, SorcID: sorcID, Err: err})
		return
	}
	e.fire(EventEstablished, sorcID, Action{Kind: ActionConnectionEstablished, SorcID: sorcID, MTU: e.central.MTU(p)})
}

func (e *Engine) onDisconnected(p string, err error) {
	sorcID, ok := e.pending(p, PhaseConnecting, PhaseConnected)
	if !ok {
		return
	}
	if err != nil {
		e.log.Warn("Vehicle disconnected", "sorcID", sorcID, "error", err)
	}
	delete(e.discovered, sorcID)
	e.publishDiscovery(DiscoveryAction{Kind: DiscoveryDisconnected, SorcID: sorcID})
	e.fire(EventLose, sorcID, Action{Kind: ActionConnectionLost, SorcID: sorcID})
}

func (e *Engine) onValueUpdated(p string, value []byte) {
	if _, ok := e.pending(p, PhaseConnected); !ok {
		return
	}
	if e.onData != nil {
		e.onData(value)
	}
}

func (e *Engine) peripheral(sorcID keyring.SorcID) (string, bool) {
	v, ok := e.discovered[sorcID]
	if !ok {
		return "", false
	}
	return v.peripheral, true
}

// publishDiscovery applies action to the discovery state and publishes it.
// Enabling and disabling actions are dropped when they would not change Enabled.
func (e *Engine) publishDiscovery(action DiscoveryAction) {
	st := e.discovery.State()

	switch action.Kind {
	case StartDiscovery:
		if st.Enabled && st.Requested == nil {
			return
		}
		st.Enabled = true
		st.Requested = nil
	case DiscoveryStarted:
		for id := range e.discovered {
			if cur := e.connections.State(); cur.Phase == PhaseDisconnected || cur.SorcID != id {
				delete(e.discovered, id)
			}
		}
		st = DiscoveryState{Enabled: true, Requested: &action.SorcID}
	case StopDiscovery, DiscoveryFailed:
		if !st.Enabled {
			return
		}
		st.Enabled = false
		st.Requested = nil
	}

	st.Discovered = make(map[keyring.SorcID]DiscoveredVehicle, len(e.discovered))
	for id, v := range e.discovered {
		st.Discovered[id] = v.DiscoveredVehicle
	}

	metrics.DiscoveryActions.WithLabelValues(action.Kind.String()).Inc()
	e.discovery.Send(st, action)
}

// ExtractSorcID reads the SORC id from advertised manufacturer data: 16 bytes
// after the company id when present, otherwise the first 16 bytes.
func ExtractSorcID(data, companyID []byte) (keyring.SorcID, bool) {
	var raw []byte
	switch {
	case len(data) >= 18 && len(companyID) == 2 && bytes.Equal(data[:2], companyID):
		raw = data[2:18]
	case len(data) >= 16:
		raw = data[:16]
	default:
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
