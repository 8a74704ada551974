package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vcam/internal/core/ports"
	"vcam/pkg/cache"
)

// DefaultNameTTL is how long a resolved process name is reused.
const DefaultNameTTL = 30 * time.Second

// ProcResolver reads process names from a procfs mount.
type ProcResolver struct {
	root  string
	names *cache.Cache[int, string]
}

var _ ports.ProcessResolver = (*ProcResolver)(nil)

// NewProcResolver resolves names under root, normally "/proc".
func NewProcResolver(root string, ttl time.Duration) *ProcResolver {
	if root == "" {
		root = "/proc"
	}
	if ttl <= 0 {
		ttl = DefaultNameTTL
	}
	return &ProcResolver{
		root:  root,
		names: cache.New[int, string](ttl),
	}
}

func (r *ProcResolver) ProcessName(ctx context.Context, pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	return r.names.GetOrSet(ctx, pid, func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return r.readName(pid)
	})
}

func (r *ProcResolver) readName(pid int) (string, error) {
	dir := filepath.Join(r.root, strconv.Itoa(pid))

	comm, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err == nil {
		if name := strings.TrimSpace(string(comm)); name != "" {
			return name, nil
		}
	}

	// Kernel threads and some sandboxed processes have no comm; fall back
	// to the executable named on the command line.
	cmdline, cerr := os.ReadFile(filepath.Join(dir, "cmdline"))
	if cerr != nil {
		if err == nil {
			err = cerr
		}
		return "", fmt.Errorf("failed to resolve process %d: %w", pid, err)
	}
	exe, _, _ := strings.Cut(string(cmdline), "\x00")
	if exe == "" {
		return "", fmt.Errorf("failed to resolve process %d: empty command line", pid)
	}
	return filepath.Base(exe), nil
}

// CacheStats reports how well cached names are being reused.
func (r *ProcResolver) CacheStats() cache.Stats {
	return r.names.GetStats()
}

func (r *ProcResolver) Close() {
	r.names.Stop()
}
