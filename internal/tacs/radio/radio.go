// Package radio is the BLE central capability the engine runs on: scanning,
// connecting, service discovery, writes and notifications. Implementations
// report every outcome through a Handler from their own goroutines.
package radio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported       = errors.New("bluetooth low energy is not supported on this platform")
	ErrUnknownPeripheral = errors.New("unknown peripheral")
	ErrNotReady          = errors.New("peripheral has no discovered write characteristic")
)

// AdapterState is the power and authorization state of the local adapter.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	}
	return fmt.Sprintf("AdapterState(%d)", int(s))
}

// Advertisement is one received advertising report.
type Advertisement struct {
	// Peripheral is the platform address of the advertiser, used for Connect.
	Peripheral       string
	ManufacturerData []byte
	Services         []string
	RSSI             int
	LocalName        string
}

// HasService reports whether the advertisement lists service (case-insensitive).
func (a Advertisement) HasService(service string) bool {
	for _, s := range a.Services {
		if strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

// Handler receives radio events.
type Handler interface {
	OnStateChanged(state AdapterState)
	OnAdvertisement(adv Advertisement)
	OnConnected(peripheral string)
	OnConnectFailed(peripheral string, err error)
	// OnServicesDiscovered reports the outcome of DiscoverServices. A nil
	// error means the write characteristic is ready and notifications are on.
	OnServicesDiscovered(peripheral string, err error)
	OnDisconnected(peripheral string, err error)
	OnValueUpdated(peripheral string, value []byte)
}

// Central is one user of the local adapter. Calls do not block on the radio;
// outcomes arrive on the Handler.
type Central interface {
	SetHandler(h Handler)
	State() AdapterState

	// Scan starts or retargets scanning. An empty filter reports every advertiser.
	Scan(services []string)
	StopScan()

	Connect(peripheral string)
	DiscoverServices(peripheral, service, writeCharacteristic, notifyCharacteristic string)
	// MTU returns the negotiated ATT MTU of a connected peripheral.
	MTU(peripheral string) int
	Write(peripheral string, value []byte) error
	Disconnect(peripheral string)
}

// DefaultMTU is the ATT MTU before any exchange.
const DefaultMTU = 23

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) OnStateChanged(AdapterState)        {}
func (NopHandler) OnAdvertisement(Advertisement)      {}
func (NopHandler) OnConnected(string)                 {}
func (NopHandler) OnConnectFailed(string, error)      {}
func (NopHandler) OnServicesDiscovered(string, error) {}
func (NopHandler) OnDisconnected(string, error)       {}
func (NopHandler) OnValueUpdated(string, []byte)      {}
