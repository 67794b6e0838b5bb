package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shmbus"

// Metrics holds the bus collectors. A nil *Metrics is valid and records nothing,
// so endpoints never need to check whether metrics are enabled.
type Metrics struct {
	Sends           *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	DeliveryErrors  *prometheus.CounterVec
	Reclaims        *prometheus.CounterVec
	Gaps            *prometheus.CounterVec
	Endpoints       *prometheus.GaugeVec
	RemoteForwarded *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Messages committed by local publishers.",
		}, []string{"topic"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Read references handed to subscribers.",
		}, []string{"topic"}),
		DeliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Per-message delivery failures by error code.",
		}, []string{"topic", "code"}),
		Reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_reclaims_total",
			Help:      "Committed buffers reclaimed while readers still held them.",
		}, []string{"topic"}),
		Gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Sequence numbers skipped as observed by subscribers.",
		}, []string{"topic"}),
		Endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Registered endpoints by kind.",
		}, []string{"topic", "kind"}),
		RemoteForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_forwarded_total",
			Help:      "Frames forwarded across hosts by direction.",
		}, []string{"topic", "direction"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Sends, m.Deliveries, m.DeliveryErrors, m.Reclaims,
		m.Gaps, m.Endpoints, m.RemoteForwarded,
	}
}

// ObserveSend records one committed message and the subscribers it reached.
func (m *Metrics) ObserveSend(topic string, notified int) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(topic).Inc()
	if notified > 0 {
		m.Deliveries.WithLabelValues(topic).Add(float64(notified))
	}
}

// ObserveDeliveryError records a failure scoped to one message and one subscriber.
func (m *Metrics) ObserveDeliveryError(topic, code string) {
	if m == nil {
		return
	}
	m.DeliveryErrors.WithLabelValues(topic, code).Inc()
}

// ObserveReclaim records a buffer reclaimed under overflow.
func (m *Metrics) ObserveReclaim(topic string) {
	if m == nil {
		return
	}
	m.Reclaims.WithLabelValues(topic).Inc()
}

// ObserveGap records skipped sequence numbers.
func (m *Metrics) ObserveGap(topic string, skipped uint64) {
	if m == nil || skipped == 0 {
		return
	}
	m.Gaps.WithLabelValues(topic).Add(float64(skipped))
}

// EndpointAdded and EndpointRemoved track registry population.
func (m *Metrics) EndpointAdded(topic, kind string) {
	if m == nil {
		return
	}
	m.Endpoints.WithLabelValues(topic, kind).Inc()
}

func (m *Metrics) EndpointRemoved(topic, kind string) {
	if m == nil {
		return
	}
	m.Endpoints.WithLabelValues(topic, kind).Dec()
}

// ObserveForward records a frame crossing the bridge. Direction is "out" or "in".
func (m *Metrics) ObserveForward(topic, direction string) {
	if m == nil {
		return
	}
	m.RemoteForwarded.WithLabelValues(topic, direction).Inc()
}
