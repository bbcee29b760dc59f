package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const bridgeNamespace = "videobridge"

var (
	conferenceCurrent atomic.Int32
	endpointCurrent   atomic.Int32
	channelCurrent    atomic.Int32
	recordingCurrent  atomic.Int32

	promConferenceCurrent  prometheus.Gauge
	promConferenceDuration prometheus.Histogram
	promEndpointCurrent    prometheus.Gauge
	promChannelCurrent     prometheus.Gauge
	promRecordingCurrent   prometheus.Gauge
)

// Init registers the bridge metrics. Call once at startup.
func Init(nodeID string) {
	constLabels := prometheus.Labels{"node_id": nodeID}

	promConferenceCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   bridgeNamespace,
		Subsystem:   "conference",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promConferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   bridgeNamespace,
		Subsystem:   "conference",
		Name:        "duration_seconds",
		ConstLabels: constLabels,
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 5 * 60 * 60, 10 * 60 * 60,
		},
	})
	promEndpointCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   bridgeNamespace,
		Subsystem:   "endpoint",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promChannelCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   bridgeNamespace,
		Subsystem:   "channel",
		Name:        "total",
		ConstLabels: constLabels,
	})
	promRecordingCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   bridgeNamespace,
		Subsystem:   "recording",
		Name:        "total",
		ConstLabels: constLabels,
	})

	prometheus.MustRegister(promConferenceCurrent)
	prometheus.MustRegister(promConferenceDuration)
	prometheus.MustRegister(promEndpointCurrent)
	prometheus.MustRegister(promChannelCurrent)
	prometheus.MustRegister(promRecordingCurrent)
}

func ConferenceStarted() {
	if promConferenceCurrent != nil {
		promConferenceCurrent.Add(1)
	}
	conferenceCurrent.Inc()
}

func ConferenceExpired(startedAt time.Time) {
	if promConferenceDuration != nil && !startedAt.IsZero() {
		promConferenceDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
	}
	if promConferenceCurrent != nil {
		promConferenceCurrent.Sub(1)
	}
	conferenceCurrent.Dec()
}

func AddEndpoint() {
	if promEndpointCurrent != nil {
		promEndpointCurrent.Add(1)
	}
	endpointCurrent.Inc()
}

func SubEndpoint() {
	if promEndpointCurrent != nil {
		promEndpointCurrent.Sub(1)
	}
	endpointCurrent.Dec()
}

func AddChannel() {
	if promChannelCurrent != nil {
		promChannelCurrent.Add(1)
	}
	channelCurrent.Inc()
}

func SubChannel() {
	if promChannelCurrent != nil {
		promChannelCurrent.Sub(1)
	}
	channelCurrent.Dec()
}

func RecordingStarted() {
	if promRecordingCurrent != nil {
		promRecordingCurrent.Add(1)
	}
	recordingCurrent.Inc()
}

func RecordingEnded() {
	if promRecordingCurrent != nil {
		promRecordingCurrent.Sub(1)
	}
	recordingCurrent.Dec()
}

func GetConferenceCurrent() int32 {
	return conferenceCurrent.Load()
}

func GetEndpointCurrent() int32 {
	return endpointCurrent.Load()
}

func GetChannelCurrent() int32 {
	return channelCurrent.Load()
}
