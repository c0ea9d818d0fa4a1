//go:build linux

package radio

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/tacs/pkg/log"
)

type bleAdvert struct {
	ble.Advertisement
	addr     string
	services []ble.UUID
}

func (a bleAdvert) Addr() ble.Addr           { return ble.NewAddr(a.addr) }
func (a bleAdvert) ManufacturerData() []byte { return []byte{0x0a, 0x07} }
func (a bleAdvert) RSSI() int                { return -61 }
func (a bleAdvert) LocalName() string        { return "sorc" }
func (a bleAdvert) Services() []ble.UUID     { return a.services }

type advRecorder struct {
	NopHandler
	got []Advertisement
}

func (r *advRecorder) OnAdvertisement(adv Advertisement) { r.got = append(r.got, adv) }

func TestAdvertisementFanOut(t *testing.T) {
	d := &Device{log: log.NewNopLogger()}

	open, filtered, idle := &advRecorder{}, &advRecorder{}, &advRecorder{}
	for _, v := range []struct {
		h      *advRecorder
		filter []string
	}{
		{open, nil},
		{filtered, []string{"180f"}},
		{idle, nil},
	} {
		c := d.NewCentral()
		c.SetHandler(v.h)
		if v.h != idle {
			c.Scan(v.filter)
		}
	}

	handle := ble.AdvHandler(d.onAdvertisement)
	handle(bleAdvert{addr: "aa:bb:cc:dd:ee:01", services: []ble.UUID{ble.UUID16(0x180a)}})
	handle(bleAdvert{addr: "aa:bb:cc:dd:ee:02", services: []ble.UUID{ble.UUID16(0x180f)}})

	if len(open.got) != 2 {
		t.Fatalf("unfiltered view got %d adverts, want 2", len(open.got))
	}
	want := Advertisement{
		Peripheral:       ble.NewAddr("aa:bb:cc:dd:ee:01").String(),
		ManufacturerData: []byte{0x0a, 0x07},
		RSSI:             -61,
		LocalName:        "sorc",
		Services:         []string{ble.UUID16(0x180a).String()},
	}
	if diff := cmp.Diff(want, open.got[0]); diff != "" {
		t.Errorf("advertisement mismatch (-want +got):\n%s", diff)
	}
	if len(filtered.got) != 1 || filtered.got[0].Peripheral != ble.NewAddr("aa:bb:cc:dd:ee:02").String() {
		t.Errorf("filtered view got %+v", filtered.got)
	}
	if len(idle.got) != 0 {
		t.Errorf("idle view got %d adverts", len(idle.got))
	}
}
