//go:build !linux

package radio

import (
	"sync"

	"github.com/autopeer-io/tacs/pkg/log"
)

// Device is the placeholder adapter of platforms without a BLE implementation.
// Its views report StateUnsupported and fail every connect.
type Device struct {
	log log.Logger
}

func NewDevice(id int) (*Device, error) {
	d := &Device{log: log.WithName("radio")}
	d.log.Warn("No BLE support on this platform, radio is inert", "hci", id)
	return d, nil
}

func (d *Device) NewCentral() Central {
	return &unsupportedCentral{h: NopHandler{}}
}

func (d *Device) Close() error { return nil }

type unsupportedCentral struct {
	mu sync.Mutex
	h  Handler
}

func (c *unsupportedCentral) SetHandler(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
	h.OnStateChanged(StateUnsupported)
}

func (c *unsupportedCentral) handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *unsupportedCentral) State() AdapterState { return StateUnsupported }
func (c *unsupportedCentral) Scan([]string)       {}
func (c *unsupportedCentral) StopScan()           {}

func (c *unsupportedCentral) Connect(p string) {
	go c.handler().OnConnectFailed(p, ErrUnsupported)
}

func (c *unsupportedCentral) DiscoverServices(p, _, _, _ string) {
	go c.handler().OnServicesDiscovered(p, ErrUnsupported)
}

func (c *unsupportedCentral) MTU(string) int             { return DefaultMTU }
func (c *unsupportedCentral) Write(string, []byte) error { return ErrUnsupported }
func (c *unsupportedCentral) Disconnect(string)          {}
