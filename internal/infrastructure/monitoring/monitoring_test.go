package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"vcam/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestPrometheusCollector_FramePath(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.RecordFramePushed()
	p.RecordFramePushed()
	p.RecordFrameDropped()
	p.RecordFrameWritten(false)
	p.RecordFrameWritten(true)
	p.RecordFrameWritten(true)
	p.RecordConversionFailure()
	p.SetActiveClients(3)
	p.SetFrameRate(30)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.framesPushed))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.framesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.framesWritten.WithLabelValues("producer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.framesWritten.WithLabelValues("repeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.conversionFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.activeClients))
	assert.Equal(t, 30.0, testutil.ToFloat64(p.frameRate))
}

func TestPrometheusCollector_ExtensionState(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.extensionState.WithLabelValues("unknown")))

	p.OnExtensionStateChanged(domain.UnknownState(), domain.InstalledState(nil))
	p.OnInstallSucceeded(domain.InstalledState(nil))

	assert.Equal(t, 0.0, testutil.ToFloat64(p.extensionState.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.extensionState.WithLabelValues("installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.extensionTransitions.WithLabelValues("unknown", "installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.installSucceeded))
}

func TestPrometheusCollector_IPC(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())
	p.RecordIPCRequest("ping", "ok", time.Millisecond)
	p.RecordIPCRequest("ping", "error", time.Second)
	p.SetIPCConnections(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.ipcRequests.WithLabelValues("ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ipcRequests.WithLabelValues("ping", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.ipcConnections))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

type stateFunc func() domain.ExtensionState

func (f stateFunc) State() domain.ExtensionState { return f() }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	state := domain.InstalledState(nil)
	h.AddExtensionCheck(stateFunc(func() domain.ExtensionState { return state }), time.Second, time.Second)
	h.AddProxyCheck(pingFunc(func(context.Context) error { return nil }), time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["extension"])
	assert.True(t, h.IsReady(context.Background()))

	state = domain.ErrorState(errors.New("denied by policy"))
	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["extension"], "denied by policy")
}

func TestHealthChecker_TimeoutReachesCheck(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	h.AddProxyCheck(pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), time.Second, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["proxy"])
}

func TestHealthChecker_BackgroundResults(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHealthChecker(zap.New(core).Sugar())
	h.AddCheck("always", func(context.Context) (bool, error) { return true, nil }, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	require.Eventually(t, func() bool {
		return h.LastResults()["always"] == StatusHealthy
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("Health check passing").Len() > 0
	}, time.Second, 5*time.Millisecond)
}
