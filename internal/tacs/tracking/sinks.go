package tracking

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/autopeer-io/tacs/internal/pkg/metrics"
	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/mqtt"
)

// LogSink writes events to a logger at the level matching their severity.
type LogSink struct {
	log log.Logger
}

func NewLogSink(l log.Logger) *LogSink {
	return &LogSink{log: l.WithName("tracking")}
}

func (s *LogSink) Send(name string, params map[string]any, sev Severity) {
	kv := make([]any, 0, 2*len(params)+2)
	kv = append(kv, "event", name)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, params[k])
	}
	msg, _ := params[KeyMessage].(string)
	s.log.Log(logLevel(sev), msg, kv...)
}

func logLevel(sev Severity) log.Level {
	switch sev {
	case SeverityDebug:
		return log.DebugLevel
	case SeverityWarning:
		return log.WarnLevel
	case SeverityError:
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// Record is the JSON form of a tracked event.
type Record struct {
	Name       string         `json:"name"`
	Severity   string         `json:"severity"`
	Parameters map[string]any `json:"parameters"`
}

// MQTTSink publishes events as JSON records on one topic. Send never blocks:
// events beyond the buffer are dropped.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	log     log.Logger
	records chan Record

	closeOnce sync.Once
	done      chan struct{}
}

func NewMQTTSink(client mqtt.Client, topic string, buffer int, l log.Logger) *MQTTSink {
	if buffer < 1 {
		buffer = 1
	}
	return &MQTTSink{
		client:  client,
		topic:   topic,
		log:     l.WithName("tracking-mqtt"),
		records: make(chan Record, buffer),
		done:    make(chan struct{}),
	}
}

func (s *MQTTSink) Send(name string, params map[string]any, sev Severity) {
	r := Record{Name: name, Severity: sev.String(), Parameters: params}
	select {
	case s.records <- r:
	default:
		metrics.TrackingDropped.WithLabelValues("mqtt").Inc()
	}
}

// Run publishes buffered records until ctx is done or Close is called.
func (s *MQTTSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case r := <-s.records:
			s.publish(ctx, r)
		}
	}
}

func (s *MQTTSink) publish(ctx context.Context, r Record) {
	payload, err := json.Marshal(r)
	if err != nil {
		s.log.Error(err, "Failed to encode tracking record", "event", r.Name)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m := &mqtt.Message{Topic: s.topic, Payload: payload, ContentType: "application/json"}
	if err := s.client.Publish(ctx, m); err != nil {
		metrics.TrackingDropped.WithLabelValues("mqtt").Inc()
		s.log.Debug("tracking publish failed", "event", r.Name, "error", err)
	}
}

func (s *MQTTSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// CaptureSink records events in memory.
type CaptureSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *CaptureSink) Send(name string, params map[string]any, sev Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Name: name, Severity: sev.String(), Parameters: maps.Clone(params)})
}

// Records returns a copy of everything sent so far.
func (s *CaptureSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Names returns the names of the recorded events in order.
func (s *CaptureSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Name)
	}
	return out
}

func (s *CaptureSink) Reset() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
}
