package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// The Prometheus instruments below are package-level and shared by every
// connection engine and composite syncer in the process. They are always
// constructed, so updating them works whether or not Register was called.
// Only PendingEventQueueDepth and SubstreamsReset are updated (by
// connection.Engine); the others are defined but never updated.
var (
	PendingEventQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "smoldot",
		Subsystem: "connection",
		Name:      "pending_event_queue_depth",
		Help:      "Number of events currently queued by the connection engine, awaiting pull_event.",
	})
	DesiredOutboundSubstreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "smoldot",
		Subsystem: "connection",
		Name:      "desired_outbound_substreams",
		Help:      "Current value of desired_outbound_substreams().",
	})
	SubstreamsReset = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smoldot",
		Subsystem: "connection",
		Name:      "substreams_reset_total",
		Help:      "Total substreams that reached Gone via reset or protocol violation.",
	})

	ActiveSources = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smoldot",
		Subsystem: "syncer",
		Name:      "active_sources",
		Help:      "Number of live sources, labeled by active strategy.",
	}, []string{"strategy"})
	ActiveRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smoldot",
		Subsystem: "syncer",
		Name:      "active_requests",
		Help:      "Number of live requests, labeled by mapping variant.",
	}, []string{"mapping"})
	StrategyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smoldot",
		Subsystem: "syncer",
		Name:      "strategy_transitions_total",
		Help:      "Total strategy transitions, labeled by from/to strategy.",
	}, []string{"from", "to"})
)

// Register adds every instrument to reg. Safe to call once per process;
// call it from cmd/lightclientd, not from package init, so library users of
// connection/syncer never register metrics implicitly.
func Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		PendingEventQueueDepth,
		DesiredOutboundSubstreams,
		SubstreamsReset,
		ActiveSources,
		ActiveRequests,
		StrategyTransitions,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
