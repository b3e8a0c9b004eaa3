package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "htpi_gateway"

// Outcome labels shared by the counters below.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Gateway holds every collector the gateway reports. A nil *Gateway is valid and
// records nothing, so components can be built without metrics in tests.
type Gateway struct {
	Registry *prometheus.Registry

	Connections     prometheus.Gauge
	Events          *prometheus.CounterVec
	BusCalls        *prometheus.CounterVec
	BusCallDuration *prometheus.HistogramVec
	PendingRequests prometheus.Gauge
	DroppedReplies  *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
	DroppedFrames   prometheus.Counter
	Rooms           prometheus.Gauge
}

// New creates the gateway collectors on a private registry that also carries the
// Go runtime and process collectors.
func New() *Gateway {
	reg := prometheus.NewRegistry()
	g := &Gateway{
		Registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of registered client connections",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_events_total",
			Help:      "Client events processed by type and outcome",
		}, []string{"event", "outcome"}),
		BusCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_calls_total",
			Help:      "Bus calls by subject and outcome",
		}, []string{"subject", "outcome"}),
		BusCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_call_duration_seconds",
			Help:      "Time from publish to completion of a bus call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subject"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Bus calls awaiting a reply",
		}),
		DroppedReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_replies_total",
			Help:      "Bus replies discarded by reason",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_broadcasts_total",
			Help:      "Room broadcasts by event",
		}, []string{"event"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a client queue was full or closed",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of non-empty rooms",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		g.Connections, g.Events, g.BusCalls, g.BusCallDuration, g.PendingRequests,
		g.DroppedReplies, g.Broadcasts, g.DroppedFrames, g.Rooms,
	)
	return g
}

// ConnectionOpened increments the connection gauge.
func (g *Gateway) ConnectionOpened() {
	if g == nil {
		return
	}
	g.Connections.Inc()
}

// ConnectionClosed decrements the connection gauge.
func (g *Gateway) ConnectionClosed() {
	if g == nil {
		return
	}
	g.Connections.Dec()
}

// ObserveEvent counts a processed client event.
func (g *Gateway) ObserveEvent(event, outcome string) {
	if g == nil {
		return
	}
	g.Events.WithLabelValues(event, outcome).Inc()
}

// ObserveCall records a completed bus call.
func (g *Gateway) ObserveCall(subject, outcome string, elapsed time.Duration) {
	if g == nil {
		return
	}
	g.BusCalls.WithLabelValues(subject, outcome).Inc()
	g.BusCallDuration.WithLabelValues(subject).Observe(elapsed.Seconds())
}

// SetPending sets the pending request gauge.
func (g *Gateway) SetPending(n int) {
	if g == nil {
		return
	}
	g.PendingRequests.Set(float64(n))
}

// ReplyDropped counts a discarded bus reply.
func (g *Gateway) ReplyDropped(reason string) {
	if g == nil {
		return
	}
	g.DroppedReplies.WithLabelValues(reason).Inc()
}

// Broadcast counts a room broadcast.
func (g *Gateway) Broadcast(event string) {
	if g == nil {
		return
	}
	g.Broadcasts.WithLabelValues(event).Inc()
}

// FrameDropped counts an outbound frame that could not be queued.
func (g *Gateway) FrameDropped() {
	if g == nil {
		return
	}
	g.DroppedFrames.Inc()
}

// SetRooms sets the room gauge.
func (g *Gateway) SetRooms(n int) {
	if g == nil {
		return
	}
	g.Rooms.Set(float64(n))
}
