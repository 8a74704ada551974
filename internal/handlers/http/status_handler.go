package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/infrastructure/ipc"
	"vcam/internal/infrastructure/middleware"
	"vcam/internal/infrastructure/monitoring"
	"vcam/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const HeaderUpdatedAt = "X-Vcam-Updated-At"

// StateStore is the helper's copy of the host state.
type StateStore interface {
	Raw() (json.RawMessage, time.Time, bool)
	Metrics(connections int) domain.RemoteStateMetrics
}

// ProxyServer is the helper end of the proxy.
type ProxyServer interface {
	Broadcast(method string, payload interface{}) (int, error)
	Connections() []ipc.ConnectionInfo
}

type StatusHandler struct {
	store     StateStore
	proxy     ProxyServer
	health    *monitoring.HealthChecker
	gatherer  prometheus.Gatherer
	startTime time.Time
}

// NewStatusHandler builds the helper's status API. A nil gatherer leaves
// /metrics unmounted.
func NewStatusHandler(store StateStore, proxy ProxyServer, health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *StatusHandler {
	return &StatusHandler{
		store:     store,
		proxy:     proxy,
		health:    health,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine, validator middleware.TokenValidator) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/remote-state", h.GetRemoteState)
		api.GET("/connections", h.GetConnections)
		api.POST("/commands",
			middleware.AuthMiddleware(validator),
			middleware.RequireRole(ipc.RoleOperator),
			h.PostCommand,
		)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := h.health.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status.Status,
		"timestamp": status.Timestamp,
		"checks":    status.Checks,
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}

func (h *StatusHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if !h.health.IsReady(ctx) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "timestamp": time.Now()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
}

// GetRemoteState returns the last payload the host pushed, byte for byte.
func (h *StatusHandler) GetRemoteState(c *gin.Context) {
	raw, updatedAt, ok := h.store.Raw()
	if !ok {
		c.Error(errors.NewNotFoundError("remote state"))
		return
	}
	c.Header(HeaderUpdatedAt, updatedAt.UTC().Format(time.RFC3339Nano))
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (h *StatusHandler) GetConnections(c *gin.Context) {
	conns := h.proxy.Connections()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"metrics":     h.store.Metrics(len(conns)),
	})
}

type CommandRequest struct {
	Command string `json:"command" binding:"required,max=32"`
}

// PostCommand forwards a command to the connected host.
func (h *StatusHandler) PostCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	kind, ok := domain.ParseCommandKind(req.Command)
	if !ok {
		c.Error(errors.NewInvalidInputError("unknown command").WithContext("command", req.Command))
		return
	}

	sent, err := h.proxy.Broadcast(domain.RemoteCommandMethod, domain.RemoteCommand{Command: kind})
	switch {
	case sent == 0 && err == nil:
		c.Error(domain.ErrProxyNotRunning)
		return
	case sent == 0:
		c.Error(errors.NewConnectionError(err, "failed to deliver command"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"command":   kind,
		"delivered": sent,
	})
}
