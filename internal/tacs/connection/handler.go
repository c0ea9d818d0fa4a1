package connection

import "github.com/autopeer-io/tacs/internal/tacs/radio"

// radioHandler moves radio events onto the work queue.
type radioHandler struct {
	e *Engine
}

var _ radio.Handler = radioHandler{}

func (h radioHandler) OnStateChanged(s radio.AdapterState) {
	h.e.q.Dispatch(func() { h.e.onStateChanged(s) })
}

func (h radioHandler) OnAdvertisement(adv radio.Advertisement) {
	h.e.q.Dispatch(func() { h.e.onAdvertisement(adv) })
}

func (h radioHandler) OnConnected(p string) {
	h.e.q.Dispatch(func() { h.e.onConnected(p) })
}

func (h radioHandler) OnConnectFailed(p string, err error) {
	h.e.q.Dispatch(func() { h.e.onConnectFailed(p, err) })
}

func (h radioHandler) OnServicesDiscovered(p string, err error) {
	h.e.q.Dispatch(func() { h.e.onServicesDiscovered(p, err) })
}

func (h radioHandler) OnDisconnected(p string, err error) {
	h.e.q.Dispatch(func() { h.e.onDisconnected(p, err) })
}

func (h radioHandler) OnValueUpdated(p string, v []byte) {
	value := append([]byte(nil), v...)
	h.e.q.Dispatch(func() { h.e.onValueUpdated(p, value) })
}
