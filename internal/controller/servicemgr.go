package controller

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/aiperf/aiperf/internal/domain"
)

// Spawner starts and stops service processes. ServiceManager is the real,
// subprocess-backed implementation; tests substitute a fake.
type Spawner interface {
	Spawn(role domain.ServiceType) error
	SpawnN(role domain.ServiceType, n int) error
	StopRole(role domain.ServiceType, n int) error
	StopAll()
}

type spawnedProcess struct {
	role domain.ServiceType
	cmd  *exec.Cmd
}

// ServiceManager spawns every concrete service as a child process of the
// System Controller, re-executing the same binary with a --role flag so the
// whole deployment stays a single executable (spec.md §6's "each child sets
// its process title to aiperf <serviceId>" process model).
type ServiceManager struct {
	exePath string
	env     []string

	mu        sync.Mutex
	processes []*spawnedProcess
}

// NewServiceManager resolves the running binary's own path for re-exec.
func NewServiceManager() (*ServiceManager, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve executable: %v", domain.ErrService, err)
	}
	return &ServiceManager{exePath: exe, env: os.Environ()}, nil
}

// Spawn starts one child process running as role.
func (sm *ServiceManager) Spawn(role domain.ServiceType) error {
	cmd := exec.Command(sm.exePath, "--role", string(role))
	cmd.Env = sm.env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: spawn %s: %v", domain.ErrService, role, err)
	}
	sm.mu.Lock()
	sm.processes = append(sm.processes, &spawnedProcess{role: role, cmd: cmd})
	sm.mu.Unlock()
	return nil
}

// SpawnN starts n child processes running as role.
func (sm *ServiceManager) SpawnN(role domain.ServiceType, n int) error {
	for i := 0; i < n; i++ {
		if err := sm.Spawn(role); err != nil {
			return err
		}
	}
	return nil
}

// StopRole sends SIGTERM to up to n of the most recently spawned processes
// of the given role (all of them if n < 0), matching ShutdownWorkers'
// proportional-scale-down semantics.
func (sm *ServiceManager) StopRole(role domain.ServiceType, n int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	stopped := 0
	remaining := make([]*spawnedProcess, 0, len(sm.processes))
	for i := len(sm.processes) - 1; i >= 0; i-- {
		p := sm.processes[i]
		if p.role == role && (n < 0 || stopped < n) {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
			stopped++
			continue
		}
		remaining = append(remaining, p)
	}
	// remaining was built in reverse; restore original relative order.
	for i, j := 0, len(remaining)-1; i < j; i, j = i+1, j-1 {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	}
	sm.processes = remaining
	return nil
}

// StopAll sends SIGTERM to every spawned child, used during the STOP phase.
func (sm *ServiceManager) StopAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, p := range sm.processes {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	sm.processes = nil
}
