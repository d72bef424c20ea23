package notifications

import (
	"encoding/json"
	"expvar"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tigrisdata/bbm/metrics"
)

const (
	subsystem = "notifications"

	eventsCounterName = "events_total"
	eventsCounterDesc = "The number of total events"

	pendingGaugeName = "pending"
	pendingGaugeDesc = "The gauge of pending events in queue"

	statusCounterName = "status_total"
	statusCounterDesc = "The number of status codes"

	retriesHistogramName = "retries_count"
	retriesHistogramDesc = "The histogram of delivery retries done"

	httpLatencyHistogramName = "http_latency_seconds"
	httpLatencyHistogramDesc = "The histogram of HTTP delivery latency to notification endpoints"

	endpointLabel = "endpoint"
	typeLabel     = "type"
	codeLabel     = "code"
	actionLabel   = "action"
	deliveryLabel = "delivery_type"

	eventTypeEvents    = "Events"
	eventTypeSuccesses = "Successes"
	eventTypeFailures  = "Failures"
	eventTypeErrors    = "Errors"
	eventTypeDropped   = "Dropped"
	eventTypeDelivered = "Delivered"
	eventTypeLost      = "Lost"
)

var (
	eventsCounter        *prometheus.CounterVec
	pendingGauge         *prometheus.GaugeVec
	statusCounter        *prometheus.CounterVec
	retriesHistogram     *prometheus.HistogramVec
	httpLatencyHistogram *prometheus.HistogramVec
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

// registerMetrics creates the notification collectors and registers them to registerer.
func registerMetrics(registerer prometheus.Registerer) {
	eventsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      eventsCounterName,
			Help:      eventsCounterDesc,
		},
		[]string{typeLabel, actionLabel, endpointLabel},
	)
	pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      pendingGaugeName,
			Help:      pendingGaugeDesc,
		},
		[]string{endpointLabel},
	)
	statusCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      statusCounterName,
			Help:      statusCounterDesc,
		},
		[]string{codeLabel, endpointLabel},
	)
	retriesHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      retriesHistogramName,
			Help:      retriesHistogramDesc,
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 15, 20, 30, 50},
		},
		[]string{endpointLabel, deliveryLabel},
	)
	httpLatencyHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      httpLatencyHistogramName,
			Help:      httpLatencyHistogramDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{endpointLabel},
	)

	registerer.MustRegister(eventsCounter, pendingGauge, statusCounter, retriesHistogram, httpLatencyHistogram)
}

// EndpointMetrics track various actions taken by the endpoint, typically by
// number of events. The goal of this to export it via expvar but we may find
// some other future solution to be better.
type EndpointMetrics struct {
	Endpoint  string           `json:"endpoint"`
	Pending   int64            `json:"pending"`   // events pending in queue
	Events    int64            `json:"events"`    // total events incoming
	Successes int64            `json:"successes"` // total events written successfully
	Failures  int64            `json:"failures"`  // total events failed
	Errors    int64            `json:"errors"`    // total events errored
	Retries   int64            `json:"retries"`   // total delivery retries
	Delivered int64            `json:"delivered"` // total events delivered, retries included
	Dropped   int64            `json:"dropped"`   // total events dropped because the queue was full
	Lost      int64            `json:"lost"`      // total events lost after exhausting retries
	Statuses  map[string]int64 `json:"statuses"`  // status code histogram, per call event
}

// safeMetrics guards the metrics implementation with atomics, and exposes
// the listeners feeding them.
type safeMetrics struct {
	endpoint  string
	pending   atomic.Int64
	events    atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	errors    atomic.Int64
	retries   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	lost      atomic.Int64
	statuses  sync.Map
}

// newSafeMetrics returns safeMetrics for endpoint.
func newSafeMetrics(endpoint string) *safeMetrics {
	return &safeMetrics{endpoint: endpoint}
}

func (sm *safeMetrics) addStatus(code int) {
	key := statusKey(code)
	v, _ := sm.statuses.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	statusCounter.WithLabelValues(key, sm.endpoint).Inc()
}

// httpStatusListener returns the listener for the http sink that updates the
// relevant counters.
func (sm *safeMetrics) httpStatusListener() httpStatusListener {
	return &endpointMetricsHTTPStatusListener{
		safeMetrics: sm,
	}
}

// eventQueueListener returns a listener that maintains queue related counters.
func (sm *safeMetrics) eventQueueListener() eventQueueListener {
	return &endpointMetricsEventQueueListener{
		safeMetrics: sm,
	}
}

// deliveryListener returns a listener that maintains delivery related counters.
func (sm *safeMetrics) deliveryListener() deliveryListener {
	return &endpointMetricsDeliveryListener{
		safeMetrics: sm,
	}
}

// endpointMetricsHTTPStatusListener increments counters related to http sinks
// for the relevant events.
type endpointMetricsHTTPStatusListener struct {
	*safeMetrics
}

var _ httpStatusListener = &endpointMetricsHTTPStatusListener{}

func (emsl *endpointMetricsHTTPStatusListener) success(status int, event *Event, latency time.Duration) {
	emsl.addStatus(status)
	emsl.successes.Add(1)
	eventsCounter.WithLabelValues(eventTypeSuccesses, event.Action, emsl.endpoint).Inc()
	httpLatencyHistogram.WithLabelValues(emsl.endpoint).Observe(latency.Seconds())
}

func (emsl *endpointMetricsHTTPStatusListener) failure(status int, event *Event, latency time.Duration) {
	emsl.addStatus(status)
	emsl.failures.Add(1)
	eventsCounter.WithLabelValues(eventTypeFailures, event.Action, emsl.endpoint).Inc()
	httpLatencyHistogram.WithLabelValues(emsl.endpoint).Observe(latency.Seconds())
}

func (emsl *endpointMetricsHTTPStatusListener) err(event *Event) {
	emsl.errors.Add(1)
	eventsCounter.WithLabelValues(eventTypeErrors, event.Action, emsl.endpoint).Inc()
}

// endpointMetricsEventQueueListener maintains the incoming events counter and
// the queues pending count.
type endpointMetricsEventQueueListener struct {
	*safeMetrics
}

func (eqc *endpointMetricsEventQueueListener) ingress(event *Event) {
	eqc.events.Add(1)
	eqc.pending.Add(1)
	eventsCounter.WithLabelValues(eventTypeEvents, event.Action, eqc.endpoint).Inc()
	pendingGauge.WithLabelValues(eqc.endpoint).Inc()
}

func (eqc *endpointMetricsEventQueueListener) egress(*Event) {
	eqc.pending.Add(-1)
	pendingGauge.WithLabelValues(eqc.endpoint).Dec()
}

func (eqc *endpointMetricsEventQueueListener) drop(event *Event) {
	eqc.dropped.Add(1)
	eqc.pending.Add(-1)
	pendingGauge.WithLabelValues(eqc.endpoint).Dec()
	eventsCounter.WithLabelValues(eventTypeDropped, event.Action, eqc.endpoint).Inc()
}

// endpointMetricsDeliveryListener maintains the delivery counters of the
// backoff sink.
type endpointMetricsDeliveryListener struct {
	*safeMetrics
}

func (edl *endpointMetricsDeliveryListener) eventDelivered(retriesCount int64) {
	edl.delivered.Add(1)
	edl.retries.Add(retriesCount)
	eventsCounter.WithLabelValues(eventTypeDelivered, "", edl.endpoint).Inc()
	retriesHistogram.WithLabelValues(edl.endpoint, eventTypeDelivered).Observe(float64(retriesCount))
}

func (edl *endpointMetricsDeliveryListener) eventLost(retriesCount int64) {
	edl.lost.Add(1)
	edl.retries.Add(retriesCount)
	eventsCounter.WithLabelValues(eventTypeLost, "", edl.endpoint).Inc()
	retriesHistogram.WithLabelValues(edl.endpoint, eventTypeLost).Observe(float64(retriesCount))
}

// endpoints is a global registry of endpoints used to report metrics to expvar.
var endpoints struct {
	registered []*Endpoint
	mu         sync.Mutex
}

// register places the endpoint into expvar so that stats are tracked.
func register(e *Endpoint) {
	endpoints.mu.Lock()
	defer endpoints.mu.Unlock()

	endpoints.registered = append(endpoints.registered, e)
}

func init() {
	bbm := expvar.Get("bbm")
	if bbm == nil {
		bbm = expvar.NewMap("bbm")
	}

	var notifications expvar.Map
	notifications.Init()
	notifications.Set("endpoints", expvar.Func(func() any {
		endpoints.mu.Lock()
		defer endpoints.mu.Unlock()

		var names []any
		for _, v := range endpoints.registered {
			var epjson struct {
				Name string `json:"name"`
				URL  string `json:"url"`
				EndpointConfig

				Metrics EndpointMetrics
			}

			epjson.Name = v.Name()
			epjson.URL = v.URL()
			epjson.EndpointConfig = v.EndpointConfig

			v.ReadMetrics(&epjson.Metrics)

			names = append(names, epjson)
		}

		return names
	}))

	bbm.(*expvar.Map).Set("notifications", &notifications)
}

// Endpoints returns the metrics of every registered endpoint, as json.
func Endpoints() ([]byte, error) {
	endpoints.mu.Lock()
	defer endpoints.mu.Unlock()

	all := make([]EndpointMetrics, 0, len(endpoints.registered))
	for _, e := range endpoints.registered {
		var em EndpointMetrics
		e.ReadMetrics(&em)
		all = append(all, em)
	}
	return json.Marshal(all)
}

// statusKey is the key of code in EndpointMetrics.Statuses.
func statusKey(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
