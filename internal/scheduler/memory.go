package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRuntime is an in-memory Runtime used by coordinator and gateway
// tests; it never touches Docker. Launch failures and phase transitions are
// scripted by the test via the exported fields before Launch/Inspect is
// called.
type MemoryRuntime struct {
	mu sync.Mutex

	// LaunchErrs, if set, is returned by the next N Launch calls in order
	// before Launch starts succeeding (models CSA.TransientError retries).
	LaunchErrs []error

	byRequestID map[string]WorkerHandle
	statuses    map[WorkerHandle]Status
	deleted     map[WorkerHandle]bool
	launchCount int
}

// NewMemoryRuntime constructs an empty MemoryRuntime.
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{
		byRequestID: make(map[string]WorkerHandle),
		statuses:    make(map[WorkerHandle]Status),
		deleted:     make(map[WorkerHandle]bool),
	}
}

func (m *MemoryRuntime) Launch(ctx context.Context, spec WorkerSpec) (WorkerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if handle, ok := m.byRequestID[spec.RequestID]; ok {
		return handle, nil
	}

	if m.launchCount < len(m.LaunchErrs) {
		err := m.LaunchErrs[m.launchCount]
		m.launchCount++
		if err != nil {
			return "", err
		}
	}
	m.launchCount++

	handle := WorkerHandle(fmt.Sprintf("mem-%s", spec.RequestID))
	m.byRequestID[spec.RequestID] = handle
	m.statuses[handle] = Status{Handle: handle, Phase: PhaseActive}
	return handle, nil
}

func (m *MemoryRuntime) Inspect(ctx context.Context, handle WorkerHandle) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.statuses[handle]
	if !ok {
		return Status{Handle: handle, Phase: PhaseUnknown}, nil
	}
	return s, nil
}

func (m *MemoryRuntime) Delete(ctx context.Context, handle WorkerHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[handle] = true
	delete(m.statuses, handle)
	return nil
}

func (m *MemoryRuntime) List(ctx context.Context) ([]WorkerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]WorkerHandle, 0, len(m.statuses))
	for h := range m.statuses {
		handles = append(handles, h)
	}
	return handles, nil
}

// SetPhase lets a test move a worker to a new observed phase, simulating
// completion, failure, or disappearance.
func (m *MemoryRuntime) SetPhase(handle WorkerHandle, phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statuses[handle]
	s.Handle = handle
	s.Phase = phase
	m.statuses[handle] = s
}

// MakeUnknown simulates the container vanishing entirely.
func (m *MemoryRuntime) MakeUnknown(handle WorkerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, handle)
}

// Deleted reports whether Delete was called for handle.
func (m *MemoryRuntime) Deleted(handle WorkerHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[handle]
}

// LaunchCount returns how many distinct workers Launch has created: one per
// RequestID that launched successfully. Calls that failed, or that returned
// the cached handle for a repeated RequestID, are not counted.
func (m *MemoryRuntime) LaunchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRequestID)
}
