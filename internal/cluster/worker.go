package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Memory watchdog defaults: a worker whose RSS exceeds the fraction of total
// system memory exits so the supervisor replaces it.
const (
	memoryCheckInterval = 10 * time.Second
	memoryLimitFraction = 0.8
)

// IsWorker reports whether this process was forked by a supervisor.
func IsWorker() bool {
	return os.Getenv(workerEnv) == "1"
}

// WorkerID returns this worker's slot index, or -1 outside a cluster.
func WorkerID() int {
	v := os.Getenv(workerIDEnv)
	if v == "" {
		return -1
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return id
}

var (
	controlOnce sync.Once
	controlPipe *os.File
)

func controlFile() *os.File {
	controlOnce.Do(func() {
		if IsWorker() {
			controlPipe = os.NewFile(uintptr(controlFd), "cluster-control")
		}
	})
	return controlPipe
}

// RequestRestartAll asks the supervisor to recycle every worker. Outside a
// cluster it is a no-op.
func RequestRestartAll() error {
	f := controlFile()
	if f == nil {
		return nil
	}
	msg, err := json.Marshal(controlMessage{Cmd: cmdRestartAll, WorkerID: WorkerID()})
	if err != nil {
		return err
	}
	_, err = f.Write(append(msg, '\n'))
	return err
}

// MemoryLimit returns the per-worker RSS ceiling in bytes, or 0 when the
// system total cannot be determined.
func MemoryLimit() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 0
	}
	return uint64(float64(vm.Total) * memoryLimitFraction)
}

// RunMemoryWatchdog polls this process's RSS every 10 s and exits with code 1
// when it crosses the limit. Blocks until ctx is cancelled.
func RunMemoryWatchdog(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	limit := MemoryLimit()
	if limit == 0 {
		logger.Warn("memory watchdog disabled: total memory unknown")
		return
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("memory watchdog disabled", "error", err)
		return
	}

	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			if info.RSS > limit {
				logger.Error("memory limit exceeded, exiting for replacement",
					"rss", info.RSS, "limit", limit, "worker", WorkerID())
				os.Exit(1)
			}
		}
	}
}
