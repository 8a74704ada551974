package services

import (
	"context"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	"vcam/pkg/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultUnresolvedLogCapacity bounds the PIDs remembered as already logged unresolved.
const DefaultUnresolvedLogCapacity = 64

// RefreshResult is the difference between two PID snapshots.
type RefreshResult struct {
	Added   []domain.StreamingClient
	Removed []domain.StreamingClient
	// IsFirst is set when the registry went from empty to non-empty.
	IsFirst bool
	// IsLast is set when the registry went from non-empty to empty.
	IsLast bool
}

func (r RefreshResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0
}

// ClientRegistry tracks the processes reading the source stream.
// Refresh and RemoveAll must be called from one goroutine at a time;
// Clients may be called from anywhere.
type ClientRegistry struct {
	resolver ports.ProcessResolver
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu      sync.RWMutex
	clients []domain.StreamingClient

	unresolvedOrder *queue.Queue[int]
	unresolvedSeen  map[int]struct{}
}

// NewClientRegistry creates a registry. resolver may be nil, in which case
// clients are tracked by PID only.
func NewClientRegistry(resolver ports.ProcessResolver, logger *zap.SugaredLogger) *ClientRegistry {
	order, _ := queue.New[int](DefaultUnresolvedLogCapacity, queue.PolicyDropOldest)
	return &ClientRegistry{
		resolver:        resolver,
		logger:          logger,
		now:             time.Now,
		unresolvedOrder: order,
		unresolvedSeen:  make(map[int]struct{}),
	}
}

// Refresh replaces the tracked set with pids and reports what changed.
func (r *ClientRegistry) Refresh(ctx context.Context, pids []int) RefreshResult {
	current := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		current[pid] = struct{}{}
	}

	r.mu.RLock()
	previous := r.clients
	r.mu.RUnlock()

	known := make(map[int]struct{}, len(previous))
	var result RefreshResult
	retained := make([]domain.StreamingClient, 0, len(previous))
	for _, c := range previous {
		known[c.PID] = struct{}{}
		if _, ok := current[c.PID]; ok {
			retained = append(retained, c)
		} else {
			result.Removed = append(result.Removed, c)
		}
	}

	seen := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		if _, ok := known[pid]; ok {
			continue
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		result.Added = append(result.Added, r.newClient(ctx, pid))
	}

	next := make([]domain.StreamingClient, 0, len(result.Added)+len(retained))
	next = append(next, result.Added...)
	next = append(next, retained...)

	r.mu.Lock()
	r.clients = next
	r.mu.Unlock()

	result.IsFirst = len(previous) == 0 && len(next) > 0
	result.IsLast = len(previous) > 0 && len(next) == 0
	return result
}

// RemoveAll ends every session and returns the clients that were tracked.
func (r *ClientRegistry) RemoveAll() []domain.StreamingClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.clients
	r.clients = nil
	return removed
}

// Clients returns a snapshot of the tracked clients, newest first.
func (r *ClientRegistry) Clients() []domain.StreamingClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.StreamingClient, len(r.clients))
	copy(out, r.clients)
	return out
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *ClientRegistry) newClient(ctx context.Context, pid int) domain.StreamingClient {
	client := domain.StreamingClient{
		PID:         pid,
		ConnectedAt: r.now(),
		SessionID:   uuid.New(),
	}

	if r.resolver == nil {
		return client
	}
	name, err := r.resolver.ProcessName(ctx, pid)
	if err == nil && name != "" {
		client.ProcessName = name
		return client
	}

	if r.markUnresolved(pid) {
		r.logger.Infow("streaming client identity unresolved", "pid", pid, "session_id", client.SessionID, "error", err)
	}
	return client
}

// markUnresolved reports whether pid was not yet logged as unresolved.
func (r *ClientRegistry) markUnresolved(pid int) bool {
	if _, ok := r.unresolvedSeen[pid]; ok {
		return false
	}
	res, _ := r.unresolvedOrder.Enqueue(pid)
	if res.HasDropped {
		delete(r.unresolvedSeen, res.Dropped)
	}
	r.unresolvedSeen[pid] = struct{}{}
	return true
}
