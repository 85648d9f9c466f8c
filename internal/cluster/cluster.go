// Package cluster runs multiple identical server workers behind one port.
// The supervisor re-execs the binary once per worker; each worker binds the
// same address with SO_REUSEPORT so the kernel spreads connections. Workers
// are unaware of each other beyond a control pipe back to the supervisor.
package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	workerEnv   = "TILEHUB_CLUSTER_WORKER"
	workerIDEnv = "TILEHUB_CLUSTER_WORKER_ID"

	// controlFd is the worker-side file descriptor of the control pipe.
	controlFd = 3
)

// control messages flow worker -> supervisor as line JSON.
type controlMessage struct {
	Cmd      string `json:"cmd"`
	WorkerID int    `json:"workerId,omitempty"`
}

const cmdRestartAll = "restartAllWorkers"

// Config parameterizes the supervisor.
type Config struct {
	WorkerCount int           // default = CPU count
	MaxRestart  time.Duration // cap on the per-worker restart backoff
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{WorkerCount: runtime.NumCPU(), MaxRestart: 30 * time.Second}
}

// Supervisor forks and babysits worker processes.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers map[int]*exec.Cmd
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.MaxRestart <= 0 {
		cfg.MaxRestart = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger, workers: make(map[int]*exec.Cmd)}
}

// Run spawns the workers and keeps them alive until ctx is cancelled. Each
// worker slot restarts its process on exit with exponential backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	var wg sync.WaitGroup
	for id := 0; id < s.cfg.WorkerCount; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, exe, id)
		}(id)
	}
	s.logger.Info("cluster supervisor started", "workers", s.cfg.WorkerCount)
	wg.Wait()
	return nil
}

func (s *Supervisor) workerLoop(ctx context.Context, exe string, id int) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.cfg.MaxRestart
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		started := time.Now()
		err := s.runWorker(ctx, exe, id)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		s.logger.Warn("cluster worker exited, restarting",
			"worker", id, "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runWorker(ctx context.Context, exe string, id int) error {
	controlR, controlW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("control pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		workerEnv+"=1",
		workerIDEnv+"="+strconv.Itoa(id),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{controlW}

	if err := cmd.Start(); err != nil {
		controlR.Close()
		controlW.Close()
		return fmt.Errorf("start worker %d: %w", id, err)
	}
	controlW.Close()

	s.mu.Lock()
	s.workers[id] = cmd
	s.mu.Unlock()
	s.logger.Info("cluster worker started", "worker", id, "pid", cmd.Process.Pid)

	go s.readControl(controlR, id)

	waitErr := cmd.Wait()
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
	return waitErr
}

// readControl consumes the worker's control pipe until it closes.
func (s *Supervisor) readControl(r *os.File, id int) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var msg controlMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("cluster control: bad message", "worker", id, "error", err)
			continue
		}
		if msg.Cmd == cmdRestartAll {
			s.logger.Info("cluster control: restarting all workers", "requestedBy", id)
			s.killAll()
		}
	}
}

// killAll terminates every worker; the per-slot loops respawn them.
func (s *Supervisor) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cmd := range s.workers {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Kill(); err != nil {
			s.logger.Warn("cluster: kill failed", "worker", id, "error", err)
		}
	}
}
