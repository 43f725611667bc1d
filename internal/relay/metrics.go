package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
)

const metricsNamespace = "topicrelay"

// Metrics exports relay counters to Prometheus. It is also a delivery.Observer so
// every subscription's loop reports into it.
type Metrics struct {
	published      prometheus.Counter
	matched        prometheus.Counter
	unrouted       prometheus.Counter
	rejected       prometheus.Counter
	delivered      prometheus.Counter
	handlerFailed  prometheus.Counter
	dropped        *prometheus.CounterVec
	expired        prometheus.Counter
	publishLatency prometheus.Histogram
}

// NewMetrics creates the relay collectors and registers them with registerer.
// subscriptions is sampled on every scrape for the active subscription gauge.
func NewMetrics(registerer prometheus.Registerer, subscriptions func() float64) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted for routing.",
		}),
		matched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_matched_total",
			Help:      "Messages enqueued onto subscription queues, one per matched subscription.",
		}),
		unrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_unrouted_total",
			Help:      "Accepted messages that matched no subscription.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_rejected_total",
			Help:      "Publishes refused because of an invalid routing key.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a subscription handler that returned without error.",
		}),
		handlerFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded because a subscription queue was full.",
		}, []string{"policy"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_expired_total",
			Help:      "Messages discarded because they outlived the subscription TTL.",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent matching and enqueuing one published message.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}

	collectors := []prometheus.Collector{
		m.published, m.matched, m.unrouted, m.rejected,
		m.delivered, m.handlerFailed, m.dropped, m.expired, m.publishLatency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscriptions_active",
			Help:      "Subscriptions currently registered.",
		}, subscriptions),
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Delivered(string, *message.Message) {
	m.delivered.Inc()
}

func (m *Metrics) HandlerFailed(string, *message.Message, error) {
	m.handlerFailed.Inc()
}

func (m *Metrics) Dropped(_ string, _ *message.Message, policy delivery.OverflowPolicy) {
	m.dropped.WithLabelValues(policy.String()).Inc()
}

func (m *Metrics) Expired(string, *message.Message) {
	m.expired.Inc()
}

var _ delivery.Observer = (*Metrics)(nil)
