// Package radiotest provides a scriptable radio.Central for tests.
package radiotest

import (
	"sync"

	"github.com/autopeer-io/tacs/internal/tacs/radio"
)

// Call is one recorded invocation on the fake.
type Call struct {
	Op         string
	Peripheral string
	Services   []string
}

// Fake records every call and lets tests inject radio events. Events are
// delivered synchronously on the calling goroutine.
type Fake struct {
	mu       sync.Mutex
	h        radio.Handler
	state    radio.AdapterState
	calls    []Call
	written  [][]byte
	scanning bool
	filter   []string

	// WriteErr is returned by Write when set.
	WriteErr error
	// MTUValue is returned by MTU; zero means radio.DefaultMTU.
	MTUValue int
}

var _ radio.Central = (*Fake)(nil)

// New returns a fake whose adapter is powered on.
func New() *Fake {
	return &Fake{h: radio.NopHandler{}, state: radio.StatePoweredOn}
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *Fake) handler() radio.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *Fake) SetHandler(h radio.Handler) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
}

func (f *Fake) State() radio.AdapterState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Scan(services []string) {
	f.mu.Lock()
	f.scanning = true
	f.filter = append([]string(nil), services...)
	f.mu.Unlock()
	f.record(Call{Op: "scan", Services: append([]string(nil), services...)})
}

func (f *Fake) StopScan() {
	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	f.record(Call{Op: "stopScan"})
}

func (f *Fake) Connect(p string) {
	f.record(Call{Op: "connect", Peripheral: p})
}

func (f *Fake) DiscoverServices(p, service, write, notify string) {
	f.record(Call{Op: "discoverServices", Peripheral: p, Services: []string{service, write, notify}})
}

func (f *Fake) MTU(string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MTUValue == 0 {
		return radio.DefaultMTU
	}
	return f.MTUValue
}

func (f *Fake) Write(p string, value []byte) error {
	f.record(Call{Op: "write", Peripheral: p})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.written = append(f.written, append([]byte(nil), value...))
	return nil
}

func (f *Fake) Disconnect(p string) {
	f.record(Call{Op: "disconnect", Peripheral: p})
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Ops returns the recorded operation names, optionally filtered to ops.
func (f *Fake) Ops(ops ...string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(ops) == 0 || contains(ops, c.Op) {
			out = append(out, c.Op)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// Written returns the values passed to Write.
func (f *Fake) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// Scanning reports whether a scan is active and its filter.
func (f *Fake) Scanning() (bool, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning, append([]string(nil), f.filter...)
}

// SetState changes the adapter state and notifies the handler.
func (f *Fake) SetState(s radio.AdapterState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.handler().OnStateChanged(s)
}

func (f *Fake) Advertise(adv radio.Advertisement) { f.handler().OnAdvertisement(adv) }
func (f *Fake) Connected(p string)                { f.handler().OnConnected(p) }
func (f *Fake) ConnectFailed(p string, err error) { f.handler().OnConnectFailed(p, err) }
func (f *Fake) ServicesDiscovered(p string, err error) {
	f.handler().OnServicesDiscovered(p, err)
}
func (f *Fake) Disconnected(p string, err error) { f.handler().OnDisconnected(p, err) }
func (f *Fake) ValueUpdated(p string, v []byte)  { f.handler().OnValueUpdated(p, v) }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
