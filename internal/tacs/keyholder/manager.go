// Package keyholder reads the status of a key card from its BLE
// advertisements. It scans on its own central, independent of the vehicle
// connection.
package keyholder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/tacs/internal/pkg/change"
	"github.com/autopeer-io/tacs/internal/pkg/workqueue"
	"github.com/autopeer-io/tacs/internal/tacs/radio"
	"github.com/autopeer-io/tacs/pkg/log"
)

// ServiceUUID is advertised by every keyholder.
const ServiceUUID = "180A"

type State int

const (
	StateStopped State = iota
	StateSearching
)

func (s State) String() string {
	if s == StateSearching {
		return "searching"
	}
	return "stopped"
}

type Failure int

const (
	FailureNone Failure = iota
	FailureBluetoothOff
	FailureKeyholderIDMissing
	FailureScanTimeout
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureBluetoothOff:
		return "bluetoothOff"
	case FailureKeyholderIDMissing:
		return "keyholderIdMissing"
	case FailureScanTimeout:
		return "scanTimeout"
	}
	return fmt.Sprintf("Failure(%d)", int(f))
}

type ActionKind int

const (
	ActionInitial ActionKind = iota
	ActionDiscoveryStarted
	ActionDiscovered
	ActionFailed
)

func (k ActionKind) String() string {
	switch k {
	case ActionInitial:
		return "initial"
	case ActionDiscoveryStarted:
		return "discoveryStarted"
	case ActionDiscovered:
		return "discovered"
	case ActionFailed:
		return "failed"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

type Action struct {
	Kind    ActionKind
	Info    Info
	Failure Failure
}

type Change = change.Change[State, Action]

// IDProvider returns the keyholder of the active setup. It is called on the queue.
type IDProvider func() (uuid.UUID, bool)

type Manager struct {
	q       *workqueue.Queue
	central radio.Central
	clock   clock.WithDelayedExecution
	log     log.Logger
	id      IDProvider
	subject *change.Subject[State, Action]

	timer *workqueue.Timer
}

func New(q *workqueue.Queue, central radio.Central, clk clock.WithDelayedExecution, id IDProvider, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &Manager{
		q:       q,
		central: central,
		clock:   clk,
		log:     logger.WithName("keyholder"),
		id:      id,
		subject: change.NewSubject[State, Action](StateStopped, nil),
	}
	central.SetHandler(handler{m: m})
	return m
}

func (m *Manager) Changes() change.Observable[State, Action] {
	return m.subject
}

// RequestStatus scans for the keyholder for at most timeout. It is ignored
// while a scan is running.
func (m *Manager) RequestStatus(timeout time.Duration) {
	m.q.Dispatch(func() { m.requestStatus(timeout) })
}

func (m *Manager) requestStatus(timeout time.Duration) {
	if m.subject.State() != StateStopped {
		return
	}
	if _, ok := m.id(); !ok {
		m.subject.Send(StateStopped, Action{Kind: ActionFailed, Failure: FailureKeyholderIDMissing})
		return
	}
	if m.central.State() != radio.StatePoweredOn {
		m.subject.Send(StateStopped, Action{Kind: ActionFailed, Failure: FailureBluetoothOff})
		return
	}

	m.central.Scan([]string{ServiceUUID})
	m.timer = m.q.AfterFunc(m.clock, timeout, m.onTimeout)
	m.subject.Send(StateSearching, Action{Kind: ActionDiscoveryStarted})
}

func (m *Manager) stop(a Action) {
	m.timer.Stop()
	m.timer = nil
	m.central.StopScan()
	m.subject.Send(StateStopped, a)
}

func (m *Manager) onTimeout() {
	if m.subject.State() != StateSearching {
		return
	}
	m.stop(Action{Kind: ActionFailed, Failure: FailureScanTimeout})
}

func (m *Manager) onStateChanged(s radio.AdapterState) {
	if s == radio.StatePoweredOn || m.subject.State() != StateSearching {
		return
	}
	m.stop(Action{Kind: ActionFailed, Failure: FailureBluetoothOff})
}

func (m *Manager) onAdvertisement(adv radio.Advertisement) {
	if m.subject.State() != StateSearching {
		return
	}
	info, err := ParseInfo(adv.ManufacturerData)
	if err != nil {
		return
	}
	if id, ok := m.id(); !ok || id != info.KeyholderID {
		m.log.Debug("ignoring foreign keyholder", "keyholderID", info.KeyholderID)
		return
	}
	m.stop(Action{Kind: ActionDiscovered, Info: info})
}

type handler struct {
	radio.NopHandler
	m *Manager
}

func (h handler) OnStateChanged(s radio.AdapterState) {
	h.m.q.Dispatch(func() { h.m.onStateChanged(s) })
}

func (h handler) OnAdvertisement(adv radio.Advertisement) {
	h.m.q.Dispatch(func() { h.m.onAdvertisement(adv) })
}
