// Package tracking forwards analytics events to a pluggable sink. Tracking
// is fire-and-forget: sinks never report errors back to the caller.
package tracking

import (
	"maps"
	"sync"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/tacs/internal/pkg/metrics"
	"github.com/autopeer-io/tacs/pkg/log"
)

const timestampLayout = "2006-01-02T15:04:05.000Z0700"

// Sink receives tracked events.
type Sink interface {
	Send(name string, params map[string]any, sev Severity)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, params map[string]any, sev Severity)

func (f SinkFunc) Send(name string, params map[string]any, sev Severity) { f(name, params, sev) }

type Option func(*Tracker)

func WithClock(c clock.PassiveClock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithMinSeverity drops events below sev.
func WithMinSeverity(sev Severity) Option {
	return func(t *Tracker) { t.min = sev }
}

func WithLogger(l log.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker stamps events with their group, message and time and hands them to
// its sink. A nil *Tracker or one without a sink discards everything.
type Tracker struct {
	sink  Sink
	clock clock.PassiveClock
	min   Severity
	log   log.Logger
}

func New(sink Sink, opts ...Option) *Tracker {
	t := &Tracker{
		sink:  sink,
		clock: clock.RealClock{},
		min:   SeverityDebug,
		log:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track sends e. Group and message cannot be overridden by params.
func (t *Tracker) Track(e Event, params map[string]any, sev Severity) {
	if t == nil || t.sink == nil || sev < t.min {
		return
	}

	out := make(map[string]any, len(params)+3)
	maps.Copy(out, params)
	out[KeyGroup] = string(e.Group())
	out[KeyMessage] = e.Message()
	out[KeyTimestamp] = t.clock.Now().UTC().Format(timestampLayout)

	metrics.TrackingEvents.WithLabelValues(string(e.Group()), sev.String()).Inc()

	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("tracking sink panicked", "event", string(e), "panic", r)
		}
	}()
	t.sink.Send(string(e), out, sev)
}

var (
	mu  sync.RWMutex
	std *Tracker
)

// Init installs the process tracker. Later calls replace it.
func Init(sink Sink, opts ...Option) *Tracker {
	t := New(sink, opts...)
	mu.Lock()
	std = t
	mu.Unlock()
	return t
}

// Default returns the process tracker, nil before Init.
func Default() *Tracker {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// Shutdown removes the process tracker and closes its sink if it can be closed.
func Shutdown() {
	mu.Lock()
	t := std
	std = nil
	mu.Unlock()

	if t == nil {
		return
	}
	if c, ok := t.sink.(interface{ Close() }); ok {
		c.Close()
	}
}
