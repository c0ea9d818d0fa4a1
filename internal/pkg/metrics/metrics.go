package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every TACS collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// ConnectionState reports the BLE link: 0 = disconnected, 1 = connecting, 2 = connected.
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tacs_connection_state",
			Help: "State of the BLE connection to the vehicle (0=disconnected, 1=connecting, 2=connected).",
		},
	)

	// DiscoveryActions counts discovery changes by action.
	DiscoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacs_discovery_actions_total",
			Help: "Total number of discovery changes by action.",
		},
		[]string{"action"},
	)

	// GrantRequests counts service grant requests by grant and whether the broker accepted them.
	GrantRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacs_service_grant_requests_total",
			Help: "Total number of service grant requests.",
		},
		[]string{"grant", "accepted"},
	)

	// GrantResponses counts vehicle responses by grant and status.
	GrantResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacs_service_grant_responses_total",
			Help: "Total number of service grant responses received from the vehicle.",
		},
		[]string{"grant", "status"},
	)

	// GrantLatency records the time from request to terminal response.
	GrantLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tacs_service_grant_latency_seconds",
			Help:    "Latency between a service grant request and its terminal response.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"grant"},
	)

	// TrackingEvents counts tracked analytics events.
	TrackingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacs_tracking_events_total",
			Help: "Total number of tracking events by group and severity.",
		},
		[]string{"group", "severity"},
	)

	// TrackingDropped counts events an asynchronous sink discarded because its buffer was full.
	TrackingDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacs_tracking_dropped_total",
			Help: "Total number of tracking events dropped by a sink.",
		},
		[]string{"sink"},
	)

	// AgentEvents counts events published on the agent's event bus by name.
	AgentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacs_agent_events_total",
			Help: "Total number of events published to operators.",
		},
		[]string{"name"},
	)

	// AgentEventsDropped counts events a slow subscriber missed.
	AgentEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tacs_agent_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers.",
		},
	)

	// AgentCommands counts operator commands by name and outcome.
	AgentCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacs_agent_commands_total",
			Help: "Total number of operator commands by name and result.",
		},
		[]string{"name", "result"},
	)
)

func init() {
	Registry.MustRegister(
		ConnectionState,
		DiscoveryActions,
		GrantRequests,
		GrantResponses,
		GrantLatency,
		TrackingEvents,
		TrackingDropped,
		AgentEvents,
		AgentEventsDropped,
		AgentCommands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
