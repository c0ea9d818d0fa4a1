package keyholder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/google/uuid"
)

const (
	infoLength       = 26
	fullVoltageScale = 3.6
)

var companyID = []byte{0x0A, 0x07}

// ErrInvalidInfo is returned for manufacturer data that is not a keyholder advert.
var ErrInvalidInfo = errors.New("keyholder: invalid manufacturer data")

// Info is the keyholder status broadcast in its manufacturer data.
type Info struct {
	KeyholderID        uuid.UUID
	BatteryVoltage     float64
	ActivationCount    uint32
	CardInserted       bool
	BatteryChangeCount uint8
}

// ParseInfo decodes the 26 byte layout: company id, keyholder id, battery
// ADC reading, activation count, card flag and battery change count.
func ParseInfo(data []byte) (Info, error) {
	if len(data) != infoLength || !bytes.HasPrefix(data, companyID) {
		return Info{}, ErrInvalidInfo
	}
	id, err := uuid.FromBytes(data[2:18])
	if err != nil {
		return Info{}, ErrInvalidInfo
	}

	adc := float64(binary.BigEndian.Uint16(data[18:20])) / 1024
	return Info{
		KeyholderID:        id,
		BatteryVoltage:     math.Round(adc*fullVoltageScale*100) / 100,
		ActivationCount:    binary.BigEndian.Uint32(data[20:24]),
		CardInserted:       data[24] == 1,
		BatteryChangeCount: data[25],
	}, nil
}
