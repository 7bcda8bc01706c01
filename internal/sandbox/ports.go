package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// Allocator hands out sandbox ports from the fixed range. Allocation scans
// the ports of all persisted sandboxes, so the store is the source of truth
// and ports survive restarts. A returned port stays reserved in memory until
// release is called, covering the window between allocation and the sandbox
// record landing in the store; without it two concurrent creates could scan
// the same store state and receive the same port.
type Allocator struct {
	mu      sync.Mutex
	store   SandboxStore
	pending map[int]bool
}

// NewAllocator creates a port allocator backed by the sandbox store.
func NewAllocator(store SandboxStore) *Allocator {
	return &Allocator{store: store, pending: map[int]bool{}}
}

// Next reserves and returns the lowest free port in the range, or
// ErrNoFreePorts when all hundred ports are taken. The caller must release
// the port once the sandbox record is persisted or creation fails.
func (a *Allocator) Next(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sandboxes, err := a.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sandboxes for port allocation: %w", err)
	}

	used := make(map[int]bool, len(sandboxes))
	for _, sb := range sandboxes {
		if sb.Port > 0 {
			used[sb.Port] = true
		}
	}

	for p := PortRangeStart; p <= PortRangeEnd; p++ {
		if !used[p] && !a.pending[p] {
			a.pending[p] = true
			return p, nil
		}
	}
	return 0, ErrNoFreePorts
}

// release drops the in-memory reservation taken by Next. Once the sandbox
// record is in the store, the store scan keeps the port occupied.
func (a *Allocator) release(port int) {
	a.mu.Lock()
	delete(a.pending, port)
	a.mu.Unlock()
}
