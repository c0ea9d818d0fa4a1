//go:build linux

package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"

	"github.com/autopeer-io/tacs/pkg/log"
)

const dialTimeout = 10 * time.Second

// Device owns one HCI adapter and hands out Central views sharing it. The
// adapter runs a single scan while any view is scanning; advertisements are
// fanned out to the views whose filter matches.
type Device struct {
	dev ble.Device
	log log.Logger

	mu         sync.Mutex
	state      AdapterState
	centrals   []*central
	scanCancel context.CancelFunc
}

// NewDevice opens HCI device id. A device that cannot be opened is reported as
// unsupported to every view rather than failing the agent.
func NewDevice(id int) (*Device, error) {
	d := &Device{log: log.WithName("radio").WithValues("hci", id)}

	dev, err := linux.NewDevice(ble.OptDeviceID(id))
	if err != nil {
		d.log.Error(err, "Failed to open HCI device")
		d.state = StateUnsupported
		return d, nil
	}
	d.dev = dev
	d.state = StatePoweredOn
	return d, nil
}

// NewCentral returns a new view on the adapter.
func (d *Device) NewCentral() Central {
	c := &central{d: d, h: NopHandler{}, links: map[string]*link{}}
	d.mu.Lock()
	d.centrals = append(d.centrals, c)
	d.mu.Unlock()
	return c
}

// Close stops scanning and releases the adapter.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.scanCancel != nil {
		d.scanCancel()
		d.scanCancel = nil
	}
	dev := d.dev
	d.mu.Unlock()

	if dev == nil {
		return nil
	}
	return dev.Stop()
}

func (d *Device) currentState() AdapterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s AdapterState) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	views := append([]*central(nil), d.centrals...)
	d.mu.Unlock()

	d.log.Info("Adapter state changed", "state", s.String())
	for _, c := range views {
		c.handler().OnStateChanged(s)
	}
}

// updateScan starts the shared scan when a view wants adverts and stops it
// when none does.
func (d *Device) updateScan() {
	d.mu.Lock()
	defer d.mu.Unlock()

	wanted := false
	for _, c := range d.centrals {
		if c.isScanning() {
			wanted = true
			break
		}
	}

	switch {
	case wanted && d.scanCancel == nil && d.dev != nil && d.state == StatePoweredOn:
		ctx, cancel := context.WithCancel(context.Background())
		d.scanCancel = cancel
		go d.scan(ctx)
	case !wanted && d.scanCancel != nil:
		d.scanCancel()
		d.scanCancel = nil
	}
}

func (d *Device) scan(ctx context.Context) {
	d.log.Debug("Scan started")
	err := d.dev.Scan(ctx, true, ble.AdvHandler(d.onAdvertisement))
	if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		d.log.Debug("Scan stopped")
		return
	}

	d.log.Error(err, "Scan aborted")
	d.mu.Lock()
	d.scanCancel = nil
	d.mu.Unlock()
	d.setState(StatePoweredOff)
}

func (d *Device) onAdvertisement(a ble.Advertisement) {
	adv := Advertisement{
		Peripheral:       a.Addr().String(),
		ManufacturerData: a.ManufacturerData(),
		RSSI:             a.RSSI(),
		LocalName:        a.LocalName(),
	}
	for _, u := range a.Services() {
		adv.Services = append(adv.Services, u.String())
	}

	d.mu.Lock()
	views := append([]*central(nil), d.centrals...)
	d.mu.Unlock()

	for _, c := range views {
		if c.matches(adv) {
			c.handler().OnAdvertisement(adv)
		}
	}
}

type link struct {
	cancel context.CancelFunc
	client ble.Client
	write  *ble.Characteristic
	mtu    int
}

type central struct {
	d *Device

	mu       sync.Mutex
	h        Handler
	scanning bool
	filter   []ble.UUID
	links    map[string]*link
}

func (c *central) SetHandler(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
	h.OnStateChanged(c.d.currentState())
}

func (c *central) handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *central) State() AdapterState {
	return c.d.currentState()
}

func (c *central) isScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

func (c *central) matches(adv Advertisement) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.scanning {
		return false
	}
	if len(c.filter) == 0 {
		return true
	}
	for _, f := range c.filter {
		for _, s := range adv.Services {
			if u, err := ble.Parse(s); err == nil && u.Equal(f) {
				return true
			}
		}
	}
	return false
}

func (c *central) Scan(services []string) {
	filter := make([]ble.UUID, 0, len(services))
	for _, s := range services {
		u, err := ble.Parse(s)
		if err != nil {
			c.d.log.Error(err, "Ignoring invalid scan filter", "service", s)
			continue
		}
		filter = append(filter, u)
	}

	c.mu.Lock()
	c.scanning = true
	c.filter = filter
	c.mu.Unlock()
	c.d.updateScan()
}

func (c *central) StopScan() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
	c.d.updateScan()
}

func (c *central) Connect(p string) {
	if c.d.dev == nil {
		go c.handler().OnConnectFailed(p, ErrUnsupported)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	c.mu.Lock()
	if old, ok := c.links[p]; ok && old.cancel != nil {
		old.cancel()
	}
	l := &link{cancel: cancel, mtu: DefaultMTU}
	c.links[p] = l
	c.mu.Unlock()

	go func() {
		defer cancel()
		client, err := c.d.dev.Dial(ctx, ble.NewAddr(p))
		if err != nil {
			c.forget(p, l)
			c.handler().OnConnectFailed(p, err)
			return
		}

		c.mu.Lock()
		if c.links[p] != l {
			// Disconnect or a newer Connect superseded this dial.
			c.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		l.client = client
		c.mu.Unlock()

		go c.watch(p, l, client)
		c.handler().OnConnected(p)
	}()
}

func (c *central) watch(p string, l *link, client ble.Client) {
	<-client.Disconnected()
	if c.forget(p, l) {
		c.handler().OnDisconnected(p, nil)
	}
}

// forget drops l if it is still the link of p.
func (c *central) forget(p string, l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.links[p] != l {
		return false
	}
	delete(c.links, p)
	return true
}

func (c *central) connected(p string) (*link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[p]
	if !ok || l.client == nil {
		return nil, false
	}
	return l, true
}

func (c *central) DiscoverServices(p, service, write, notify string) {
	l, ok := c.connected(p)
	if !ok {
		go c.handler().OnServicesDiscovered(p, ErrUnknownPeripheral)
		return
	}

	go func() {
		err := c.discover(p, l, service, write, notify)
		c.handler().OnServicesDiscovered(p, err)
	}()
}

func (c *central) discover(p string, l *link, service, write, notify string) error {
	svcUUID, err := ble.Parse(service)
	if err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	writeUUID, err := ble.Parse(write)
	if err != nil {
		return fmt.Errorf("write characteristic uuid: %w", err)
	}
	notifyUUID, err := ble.Parse(notify)
	if err != nil {
		return fmt.Errorf("notify characteristic uuid: %w", err)
	}

	svcs, err := l.client.DiscoverServices([]ble.UUID{svcUUID})
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return fmt.Errorf("service %s not found", service)
	}

	chars, err := l.client.DiscoverCharacteristics([]ble.UUID{writeUUID, notifyUUID}, svcs[0])
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	var wc, nc *ble.Characteristic
	for _, ch := range chars {
		switch {
		case ch.UUID.Equal(writeUUID):
			wc = ch
		case ch.UUID.Equal(notifyUUID):
			nc = ch
		}
	}
	if wc == nil || nc == nil {
		return fmt.Errorf("characteristics of service %s incomplete", service)
	}

	if _, err := l.client.DiscoverDescriptors(nil, nc); err != nil {
		return fmt.Errorf("discover descriptors: %w", err)
	}
	if err := l.client.Subscribe(nc, false, func(b []byte) {
		c.handler().OnValueUpdated(p, append([]byte(nil), b...))
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	mtu := DefaultMTU
	if tx, err := l.client.ExchangeMTU(ble.MaxMTU); err == nil {
		mtu = tx
	}

	c.mu.Lock()
	l.write = wc
	l.mtu = mtu
	c.mu.Unlock()
	return nil
}

func (c *central) MTU(p string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[p]; ok {
		return l.mtu
	}
	return DefaultMTU
}

func (c *central) Write(p string, value []byte) error {
	l, ok := c.connected(p)
	if !ok {
		return ErrUnknownPeripheral
	}
	c.mu.Lock()
	wc := l.write
	c.mu.Unlock()
	if wc == nil {
		return ErrNotReady
	}
	return l.client.WriteCharacteristic(wc, value, true)
}

func (c *central) Disconnect(p string) {
	c.mu.Lock()
	l, ok := c.links[p]
	delete(c.links, p)
	c.mu.Unlock()
	if !ok {
		return
	}

	if l.cancel != nil {
		l.cancel()
	}
	if l.client != nil {
		go func() {
			if err := l.client.CancelConnection(); err != nil {
				c.d.log.Debug("Cancel connection failed", "peripheral", p, "error", err)
			}
		}()
	}
}
