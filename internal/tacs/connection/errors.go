package connection

import "errors"

// ErrNotConnected is returned by Send without an established link.
var ErrNotConnected = errors.New("not connected to a vehicle")
