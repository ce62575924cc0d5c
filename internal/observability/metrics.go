package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	interfacesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "interfaces_created_total",
			Help:      "Streaming interfaces created.",
		},
		[]string{"mode"},
	)
	handlesOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "open_handles",
			Help:      "Currently open conversation handles.",
		},
		[]string{"kind"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "messages_sent_total",
			Help:      "Messages handed to stream channels.",
		},
		[]string{"stream"},
	)
	bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes handed to stream channels.",
		},
		[]string{"stream"},
	)
	messagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "messages_received_total",
			Help:      "Messages landed by receive handles.",
		},
	)
	bytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "bytes_received_total",
			Help:      "Payload bytes landed by receive handles.",
		},
	)
	lendWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "lend_wait_seconds",
			Help:      "Time spent borrowing a stream channel from the manager.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	turboDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "turbo_dropped_total",
			Help:      "Turbo-mode messages dropped after a delivery failure.",
		},
	)
	undeliveredCloses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dragon",
			Subsystem: "fli",
			Name:      "undelivered_closes_total",
			Help:      "Receive closes that discarded undelivered data.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			interfacesCreated, handlesOpen, messagesSent, bytesSent,
			messagesReceived, bytesReceived, lendWait, turboDrops,
			undeliveredCloses,
		)
	})
}

func RecordInterfaceCreated(mode string) {
	RegisterMetrics()
	interfacesCreated.WithLabelValues(mode).Inc()
}

func RecordHandleOpen(kind string) {
	RegisterMetrics()
	handlesOpen.WithLabelValues(kind).Inc()
}

func RecordHandleClose(kind string) {
	RegisterMetrics()
	handlesOpen.WithLabelValues(kind).Dec()
}

func RecordSend(stream string, bytes uint64) {
	RegisterMetrics()
	messagesSent.WithLabelValues(stream).Inc()
	bytesSent.WithLabelValues(stream).Add(float64(bytes))
}

func RecordRecv(bytes uint64) {
	RegisterMetrics()
	messagesReceived.Inc()
	bytesReceived.Add(float64(bytes))
}

func ObserveLendWait(d time.Duration) {
	RegisterMetrics()
	lendWait.Observe(d.Seconds())
}

func RecordTurboDrop() {
	RegisterMetrics()
	turboDrops.Inc()
}

func RecordUndeliveredClose() {
	RegisterMetrics()
	undeliveredCloses.Inc()
}
