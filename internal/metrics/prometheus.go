// ABOUTME: Prometheus metrics for the audioshare host
// ABOUTME: Tracks capture, streaming, discovery and session activity
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Capture metrics
	CaptureBuffers prometheus.Counter
	CaptureBytes   prometheus.Counter
	CaptureDropped prometheus.Counter
	CaptureActive  prometheus.Gauge
	DeviceErrors   prometheus.Counter
	VolumeEvents   prometheus.Counter
	Subscriptions  *prometheus.GaugeVec

	// Streaming metrics
	FramesSent      *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	Heartbeats      prometheus.Counter
	WriteRetries    prometheus.Counter
	WriteFailures   prometheus.Counter
	ControlRequests *prometheus.CounterVec

	// Session metrics
	ConnectAttempts prometheus.Counter
	ConnectFailures *prometheus.CounterVec
	ConnectDuration prometheus.Histogram
	Disconnects     *prometheus.CounterVec
	ConnectedGauge  prometheus.Gauge
	SessionsGauge   prometheus.Gauge

	// Discovery metrics
	Announcements  prometheus.Counter
	DiscoveryNoise prometheus.Counter

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates all metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		CaptureBuffers: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_capture_buffers_total",
			Help: "Total number of buffers delivered by the capture device",
		}),
		CaptureBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_capture_bytes_total",
			Help: "Total number of PCM bytes captured",
		}),
		CaptureDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_capture_dropped_total",
			Help: "Captured buffers dropped because dispatch was behind",
		}),
		CaptureActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "audioshare_capture_active",
			Help: "1 while hardware capture is running",
		}),
		DeviceErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_capture_device_errors_total",
			Help: "Capture device open or start failures",
		}),
		VolumeEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_device_volume_events_total",
			Help: "Device volume change notifications received",
		}),
		Subscriptions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audioshare_subscriptions",
			Help: "Registered audio subscribers per channel",
		}, []string{"channel"}),

		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audioshare_frames_sent_total",
			Help: "Audio frames written to speakers",
		}, []string{"speaker"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audioshare_frames_dropped_total",
			Help: "Audio frames dropped because a write was in flight",
		}, []string{"speaker"}),
		BytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audioshare_bytes_sent_total",
			Help: "Audio payload bytes written to speakers",
		}, []string{"speaker"}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_heartbeats_total",
			Help: "Heartbeat frames written",
		}),
		WriteRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_write_retries_total",
			Help: "In-place reconnects after a failed write",
		}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_write_failures_total",
			Help: "Writes that failed after the retry",
		}),
		ControlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audioshare_control_requests_total",
			Help: "Out-of-band control requests by command and result",
		}, []string{"command", "result"}),

		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_connect_attempts_total",
			Help: "Speaker connect attempts",
		}),
		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audioshare_connect_failures_total",
			Help: "Speaker connect failures by reason",
		}, []string{"reason"}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "audioshare_connect_duration_seconds",
			Help:    "Time from connect request to acknowledged stream",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audioshare_disconnects_total",
			Help: "Speaker disconnects by cause",
		}, []string{"cause"}),
		ConnectedGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "audioshare_connected_speakers",
			Help: "Speakers currently connected",
		}),
		SessionsGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "audioshare_sessions",
			Help: "Known speaker sessions",
		}),

		Announcements: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_discovery_announcements_total",
			Help: "Valid speaker announcements received",
		}),
		DiscoveryNoise: f.NewCounter(prometheus.CounterOpts{
			Name: "audioshare_discovery_noise_total",
			Help: "Discovery datagrams rejected as malformed",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audioshare_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"method", "route", "code"}),
	}
}

// RecordCapture records one captured buffer
func (m *Metrics) RecordCapture(bytes int) {
	if m == nil {
		return
	}
	m.CaptureBuffers.Inc()
	m.CaptureBytes.Add(float64(bytes))
}

// RecordCaptureDropped records a buffer dropped before dispatch
func (m *Metrics) RecordCaptureDropped() {
	if m == nil {
		return
	}
	m.CaptureDropped.Inc()
}

// SetCapturing updates the capture-active gauge
func (m *Metrics) SetCapturing(active bool) {
	if m == nil {
		return
	}
	if active {
		m.CaptureActive.Set(1)
	} else {
		m.CaptureActive.Set(0)
	}
}

// RecordDeviceError records a capture device failure
func (m *Metrics) RecordDeviceError() {
	if m == nil {
		return
	}
	m.DeviceErrors.Inc()
}

// RecordVolumeEvent records a device volume notification
func (m *Metrics) RecordVolumeEvent() {
	if m == nil {
		return
	}
	m.VolumeEvents.Inc()
}

// SetSubscriptions sets the subscriber count for a channel
func (m *Metrics) SetSubscriptions(channel string, n int) {
	if m == nil {
		return
	}
	m.Subscriptions.WithLabelValues(channel).Set(float64(n))
}

// RecordFrameSent records a frame written to a speaker
func (m *Metrics) RecordFrameSent(speaker string, bytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(speaker).Inc()
	m.BytesSent.WithLabelValues(speaker).Add(float64(bytes))
}

// RecordFrameDropped records a frame skipped by the single-flight guard
func (m *Metrics) RecordFrameDropped(speaker string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(speaker).Inc()
}

// RecordHeartbeat records a heartbeat frame
func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

// RecordWriteRetry records an in-place reconnect
func (m *Metrics) RecordWriteRetry() {
	if m == nil {
		return
	}
	m.WriteRetries.Inc()
}

// RecordWriteFailure records a write that failed for good
func (m *Metrics) RecordWriteFailure() {
	if m == nil {
		return
	}
	m.WriteFailures.Inc()
}

// RecordControl records a control request outcome
func (m *Metrics) RecordControl(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ControlRequests.WithLabelValues(command, result).Inc()
}

// RecordConnectAttempt records the start of a connect
func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

// RecordConnectSuccess records a connect that reached Connected
func (m *Metrics) RecordConnectSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(durationSeconds)
}

// RecordConnectFailure records a failed connect by reason
func (m *Metrics) RecordConnectFailure(reason string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(reason).Inc()
}

// RecordDisconnect records a disconnect by cause
func (m *Metrics) RecordDisconnect(cause string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(cause).Inc()
}

// SetSessions updates session gauges
func (m *Metrics) SetSessions(total, connected int) {
	if m == nil {
		return
	}
	m.SessionsGauge.Set(float64(total))
	m.ConnectedGauge.Set(float64(connected))
}

// RecordAnnouncement records a valid discovery datagram
func (m *Metrics) RecordAnnouncement() {
	if m == nil {
		return
	}
	m.Announcements.Inc()
}

// RecordDiscoveryNoise records a rejected discovery datagram
func (m *Metrics) RecordDiscoveryNoise() {
	if m == nil {
		return
	}
	m.DiscoveryNoise.Inc()
}

// RecordHTTPRequest records an API request
func (m *Metrics) RecordHTTPRequest(method, route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
}
