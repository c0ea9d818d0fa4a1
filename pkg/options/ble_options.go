package options

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

var _ IOptions = (*BLEOptions)(nil)

// BLEOptions configures the BLE central and the vehicle-side GATT layout.
type BLEOptions struct {
	// Device is the HCI device index (hci0 = 0).
	Device int `json:"device" mapstructure:"device"`

	ServiceUUID           string `json:"service-uuid" mapstructure:"service-uuid"`
	WriteCharacteristic   string `json:"write-characteristic" mapstructure:"write-characteristic"`
	NotifyCharacteristic  string `json:"notify-characteristic" mapstructure:"notify-characteristic"`
	AdvertisedServiceUUID string `json:"advertised-service-uuid" mapstructure:"advertised-service-uuid"`

	// CompanyID is the hex encoded manufacturer-data prefix of SORC adverts.
	CompanyID string `json:"company-id" mapstructure:"company-id"`

	// ScanTimeout is the default timeout of a scoped discovery.
	ScanTimeout time.Duration `json:"scan-timeout" mapstructure:"scan-timeout"`

	// OutdatedDuration evicts discovered vehicles not seen for this long.
	OutdatedDuration time.Duration `json:"outdated-duration" mapstructure:"outdated-duration"`

	// SweepInterval is the period of the outdated-vehicle sweep.
	SweepInterval time.Duration `json:"sweep-interval" mapstructure:"sweep-interval"`

	// BrokerQueueCapacity bounds the distinct service grants in flight.
	BrokerQueueCapacity int `json:"broker-queue-capacity" mapstructure:"broker-queue-capacity"`

	// Foreground selects the unfiltered scan mode. Background scans filter on AdvertisedServiceUUID.
	Foreground bool `json:"foreground" mapstructure:"foreground"`
}

func NewBLEOptions() *BLEOptions {
	return &BLEOptions{
		Device:                0,
		ServiceUUID:           "d1cf0603-b501-4569-a4b9-e47ad3f628a5",
		WriteCharacteristic:   "c8e58f78-6e0c-4e66-8bfb-ac2be47ef8a3",
		NotifyCharacteristic:  "d1d7a6b6-457e-458a-b237-a9df99b3d98b",
		AdvertisedServiceUUID: "180a",
		CompanyID:             "0a07",
		ScanTimeout:           10 * time.Second,
		OutdatedDuration:      5 * time.Second,
		SweepInterval:         2 * time.Second,
		BrokerQueueCapacity:   5,
		Foreground:            true,
	}
}

func (o *BLEOptions) Validate() []error {
	errs := []error{}

	for name, v := range map[string]string{
		"ble.service-uuid":          o.ServiceUUID,
		"ble.write-characteristic":  o.WriteCharacteristic,
		"ble.notify-characteristic": o.NotifyCharacteristic,
	} {
		if _, err := uuid.Parse(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if b, err := hex.DecodeString(o.CompanyID); err != nil || len(b) != 2 {
		errs = append(errs, fmt.Errorf("ble.company-id %q must be 2 hex encoded bytes", o.CompanyID))
	}
	if o.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ble.scan-timeout must be positive"))
	}
	if o.SweepInterval <= 0 || o.OutdatedDuration <= 0 {
		errs = append(errs, fmt.Errorf("ble.sweep-interval and ble.outdated-duration must be positive"))
	}
	if o.BrokerQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("ble.broker-queue-capacity must be at least 1"))
	}

	return errs
}

// CompanyIDBytes returns the decoded company id. Call Validate first.
func (o *BLEOptions) CompanyIDBytes() []byte {
	b, _ := hex.DecodeString(o.CompanyID)
	return b
}

func (o *BLEOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.Device, "ble.device", o.Device, "HCI device index used as BLE central.")
	fs.StringVar(&o.ServiceUUID, "ble.service-uuid", o.ServiceUUID, "GATT service of the vehicle access module.")
	fs.StringVar(&o.WriteCharacteristic, "ble.write-characteristic", o.WriteCharacteristic, "Characteristic requests are written to.")
	fs.StringVar(&o.NotifyCharacteristic, "ble.notify-characteristic", o.NotifyCharacteristic, "Characteristic responses are notified on.")
	fs.StringVar(&o.AdvertisedServiceUUID, "ble.advertised-service-uuid", o.AdvertisedServiceUUID, "Service UUID used to filter background scans.")
	fs.StringVar(&o.CompanyID, "ble.company-id", o.CompanyID, "Hex encoded manufacturer data prefix of vehicle adverts.")
	fs.DurationVar(&o.ScanTimeout, "ble.scan-timeout", o.ScanTimeout, "Default timeout of a scoped discovery.")
	fs.DurationVar(&o.OutdatedDuration, "ble.outdated-duration", o.OutdatedDuration, "Discovered vehicles not seen for this long are evicted.")
	fs.DurationVar(&o.SweepInterval, "ble.sweep-interval", o.SweepInterval, "Period of the outdated vehicle sweep.")
	fs.IntVar(&o.BrokerQueueCapacity, "ble.broker-queue-capacity", o.BrokerQueueCapacity, "Maximum number of distinct service grants in flight.")
	fs.BoolVar(&o.Foreground, "ble.foreground", o.Foreground, "Scan without a service filter. Disable to scan as a background client.")
}
