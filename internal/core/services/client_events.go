package services

import (
	"sync"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultClientEventBuffer is the capacity of a ClientEventChannel.
const DefaultClientEventBuffer = 64

type ClientEventKind int

const (
	ClientConnected ClientEventKind = iota
	ClientDisconnected
)

func (k ClientEventKind) String() string {
	if k == ClientConnected {
		return "connected"
	}
	return "disconnected"
}

// ClientEvent is one delegate callback turned into a value.
type ClientEvent struct {
	Kind   ClientEventKind
	Client domain.StreamingClient
	// IsFirst is only meaningful for connects, IsLast for disconnects.
	IsFirst bool
	IsLast  bool
}

// ClientEventChannel is a ports.ClientDelegate that queues callbacks on a
// channel, so a host can consume them from its own goroutine instead of
// being called back.
type ClientEventChannel struct {
	events chan ClientEvent
	logger *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

var _ ports.ClientDelegate = (*ClientEventChannel)(nil)

func NewClientEventChannel(buffer int, logger *zap.SugaredLogger) *ClientEventChannel {
	if buffer < 1 {
		buffer = DefaultClientEventBuffer
	}
	return &ClientEventChannel{
		events: make(chan ClientEvent, buffer),
		logger: logger,
	}
}

// Events is closed by Close.
func (c *ClientEventChannel) Events() <-chan ClientEvent {
	return c.events
}

func (c *ClientEventChannel) OnClientConnected(client domain.StreamingClient, isFirst bool) {
	c.send(ClientEvent{Kind: ClientConnected, Client: client, IsFirst: isFirst})
}

func (c *ClientEventChannel) OnClientDisconnected(client domain.StreamingClient, isLast bool) {
	c.send(ClientEvent{Kind: ClientDisconnected, Client: client, IsLast: isLast})
}

// send never blocks the bridge's callback goroutine. An event that does not
// fit is dropped and logged.
func (c *ClientEventChannel) send(ev ClientEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("Client event dropped, consumer is not keeping up",
			"event", ev.Kind.String(),
			"pid", ev.Client.PID,
		)
	}
}

// Close stops delivery and closes the events channel. Call it after the
// bridge has stopped.
func (c *ClientEventChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
