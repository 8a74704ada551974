package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/pkg/queue"
)

const (
	DefaultLogCapacity         = 200
	DefaultLogPushInitialDelay = 500 * time.Millisecond
	DefaultLogPushInterval     = 200 * time.Millisecond
)

// LogChannel buffers device log lines and hands them to the host either in
// periodic batches (push) or one at a time on request (pull).
type LogChannel struct {
	mode   domain.LogCollectionMode
	prefix string
	queue  *queue.Queue[string]
	now    func() time.Time

	initialDelay time.Duration
	interval     time.Duration

	mu      sync.Mutex
	started bool
	slot    string
	cancel  context.CancelFunc
	done    chan struct{}
}

type LogChannelOption func(*LogChannel)

func WithLogCapacity(capacity int) LogChannelOption {
	return func(c *LogChannel) {
		if q, err := queue.New[string](capacity, queue.PolicyDropOldest); err == nil {
			c.queue = q
		}
	}
}

// WithLogPushTiming overrides the delay before the first batch and the batch interval.
func WithLogPushTiming(initialDelay, interval time.Duration) LogChannelOption {
	return func(c *LogChannel) {
		if initialDelay >= 0 {
			c.initialDelay = initialDelay
		}
		if interval > 0 {
			c.interval = interval
		}
	}
}

func WithLogClock(now func() time.Time) LogChannelOption {
	return func(c *LogChannel) {
		if now != nil {
			c.now = now
		}
	}
}

func NewLogChannel(mode domain.LogCollectionMode, prefix string, opts ...LogChannelOption) (*LogChannel, error) {
	switch mode {
	case domain.LogCollectionPush, domain.LogCollectionPull:
	default:
		return nil, fmt.Errorf("failed to create log channel: unsupported mode %q", string(mode))
	}

	q, err := queue.New[string](DefaultLogCapacity, queue.PolicyDropOldest)
	if err != nil {
		return nil, fmt.Errorf("failed to create log queue: %w", err)
	}

	c := &LogChannel{
		mode:         mode,
		prefix:       prefix,
		queue:        q,
		now:          time.Now,
		initialDelay: DefaultLogPushInitialDelay,
		interval:     DefaultLogPushInterval,
		slot:         domain.NoLogMessagesAvailable,
	}
	for _, opt := range opts {
		opt(c)
	}
	if mode == domain.LogCollectionPush {
		c.slot = domain.UnsupportedLogCollectionMode
	}
	return c, nil
}

func (c *LogChannel) Mode() domain.LogCollectionMode {
	return c.mode
}

// Add formats message and buffers it. When the buffer is full the oldest line is lost.
func (c *LogChannel) Add(message string) {
	line := c.now().Format(domain.LogTimestampLayout) + " " + message
	if c.prefix != "" {
		line = c.prefix + " " + line
	}
	c.queue.Enqueue(line)
}

func (c *LogChannel) Len() int {
	return c.queue.Len()
}

// Start begins delivery. In push mode notify receives separator-joined
// batches from a background goroutine; in pull mode it is not used.
func (c *LogChannel) Start(ctx context.Context, notify func(batch string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return domain.ErrLogChannelAlreadyStarted
	}
	c.started = true

	if c.mode != domain.LogCollectionPush {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pushLoop(ctx, notify, c.done)
	return nil
}

func (c *LogChannel) pushLoop(ctx context.Context, notify func(string), done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(c.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.flush(notify)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *LogChannel) flush(notify func(string)) {
	lines := c.queue.Drain()
	if len(lines) == 0 || notify == nil {
		return
	}
	notify(strings.Join(lines, domain.LogMessageSeparator))
}

// Stop ends push delivery and waits for the push goroutine. Safe to call repeatedly.
func (c *LogChannel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// RequestNext is the pull-mode sentinel write: it moves the next buffered
// line into the property slot. The token value itself is ignored.
func (c *LogChannel) RequestNext(token string) {
	if c.mode != domain.LogCollectionPull {
		return
	}

	line, ok := c.queue.Dequeue()
	if !ok {
		line = domain.NoLogMessagesAvailable
	}
	c.mu.Lock()
	c.slot = line
	c.mu.Unlock()
}

// Property is the value a reader of the log property sees.
func (c *LogChannel) Property() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// Pull performs one sentinel write and read.
func (c *LogChannel) Pull(token string) string {
	c.RequestNext(token)
	return c.Property()
}
