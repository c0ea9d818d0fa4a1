package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*TrackingOptions)(nil)

const (
	TrackingSinkNone = "none"
	TrackingSinkLog  = "log"
	TrackingSinkMQTT = "mqtt"
)

// TrackingOptions selects the sink analytics events are sent to.
type TrackingOptions struct {
	Sink string `json:"sink" mapstructure:"sink"`

	// BufferSize bounds events queued for asynchronous sinks. Excess events are dropped.
	BufferSize int `json:"buffer-size" mapstructure:"buffer-size"`
}

func NewTrackingOptions() *TrackingOptions {
	return &TrackingOptions{
		Sink:       TrackingSinkLog,
		BufferSize: 256,
	}
}

func (o *TrackingOptions) Validate() []error {
	errs := []error{}

	switch o.Sink {
	case TrackingSinkNone, TrackingSinkLog, TrackingSinkMQTT:
	default:
		errs = append(errs, fmt.Errorf("unknown tracking.sink %q", o.Sink))
	}
	if o.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("tracking.buffer-size must be at least 1"))
	}

	return errs
}

func (o *TrackingOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Sink, "tracking.sink", o.Sink, "Tracking sink: none, log or mqtt (requires --mqtt.enabled).")
	fs.IntVar(&o.BufferSize, "tracking.buffer-size", o.BufferSize, "Events buffered for asynchronous sinks.")
}
