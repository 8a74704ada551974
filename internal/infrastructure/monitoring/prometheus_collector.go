package monitoring

import (
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	_ ports.BridgeMetrics     = (*PrometheusCollector)(nil)
	_ ports.IPCMetrics        = (*PrometheusCollector)(nil)
	_ ports.LifecycleObserver = (*PrometheusCollector)(nil)
)

var allStateKinds = []domain.StateKind{
	domain.StateUnknown,
	domain.StateNotInstalled,
	domain.StateAwaitingUserApproval,
	domain.StateInstalling,
	domain.StateInstalled,
	domain.StateNeedsUpdate,
	domain.StateRequiresReboot,
	domain.StateUninstalling,
	domain.StateError,
}

type PrometheusCollector struct {
	// Frame path
	framesPushed       prometheus.Counter
	framesDropped      prometheus.Counter
	framesWritten      *prometheus.CounterVec
	conversionFailures prometheus.Counter
	writeFailures      prometheus.Counter
	frameRate          prometheus.Gauge

	// Clients
	activeClients prometheus.Gauge

	// Extension lifecycle
	extensionState       *prometheus.GaugeVec
	extensionTransitions *prometheus.CounterVec
	installSucceeded     prometheus.Counter

	// Proxy
	ipcRequests    *prometheus.CounterVec
	ipcDuration    *prometheus.HistogramVec
	ipcConnections prometheus.Gauge
}

// NewPrometheusCollector registers the vcam metrics on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	p := &PrometheusCollector{
		framesPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "vcam_frames_pushed_total",
			Help: "Frames handed to the device bridge by the producer",
		}),

		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "vcam_frames_dropped_total",
			Help: "Frames evicted from the bridge queue before conversion",
		}),

		framesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vcam_frames_written_total",
			Help: "Frames written to the sink stream",
		}, []string{"source"}),

		conversionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "vcam_frame_conversion_failures_total",
			Help: "Frames that could not be converted to the device format",
		}),

		writeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "vcam_frame_write_failures_total",
			Help: "Sink stream writes that failed",
		}),

		frameRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vcam_frame_rate",
			Help: "Current sink stream pacing in frames per second",
		}),

		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vcam_streaming_clients",
			Help: "Processes currently reading the source stream",
		}),

		extensionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vcam_extension_state",
			Help: "1 for the current extension lifecycle state, 0 otherwise",
		}, []string{"state"}),

		extensionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vcam_extension_transitions_total",
			Help: "Extension lifecycle transitions",
		}, []string{"from", "to"}),

		installSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "vcam_extension_install_succeeded_total",
			Help: "Installations approved by the user",
		}),

		ipcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vcam_ipc_requests_total",
			Help: "Proxy requests by method and outcome",
		}, []string{"method", "outcome"}),

		ipcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vcam_ipc_request_duration_seconds",
			Help:    "Proxy request round trip time",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),

		ipcConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vcam_ipc_connections",
			Help: "Connected proxy clients",
		}),
	}

	p.setState(domain.StateUnknown)
	return p
}

func (p *PrometheusCollector) RecordFramePushed() {
	p.framesPushed.Inc()
}

func (p *PrometheusCollector) RecordFrameDropped() {
	p.framesDropped.Inc()
}

func (p *PrometheusCollector) RecordFrameWritten(repeated bool) {
	source := "producer"
	if repeated {
		source = "repeat"
	}
	p.framesWritten.WithLabelValues(source).Inc()
}

func (p *PrometheusCollector) RecordConversionFailure() {
	p.conversionFailures.Inc()
}

func (p *PrometheusCollector) RecordWriteFailure() {
	p.writeFailures.Inc()
}

func (p *PrometheusCollector) SetActiveClients(n int) {
	p.activeClients.Set(float64(n))
}

func (p *PrometheusCollector) SetFrameRate(fps int) {
	p.frameRate.Set(float64(fps))
}

func (p *PrometheusCollector) OnExtensionStateChanged(old, new domain.ExtensionState) {
	p.extensionTransitions.WithLabelValues(old.Kind.String(), new.Kind.String()).Inc()
	p.setState(new.Kind)
}

func (p *PrometheusCollector) OnInstallSucceeded(domain.ExtensionState) {
	p.installSucceeded.Inc()
}

func (p *PrometheusCollector) setState(current domain.StateKind) {
	for _, kind := range allStateKinds {
		v := 0.0
		if kind == current {
			v = 1
		}
		p.extensionState.WithLabelValues(kind.String()).Set(v)
	}
}

func (p *PrometheusCollector) RecordIPCRequest(method, outcome string, duration time.Duration) {
	p.ipcRequests.WithLabelValues(method, outcome).Inc()
	p.ipcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (p *PrometheusCollector) SetIPCConnections(n int) {
	p.ipcConnections.Set(float64(n))
}
