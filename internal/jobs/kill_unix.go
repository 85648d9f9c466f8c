//go:build !windows

package jobs

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the renderer in its own process group so the whole tree
// can be signalled at once.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree asks the job's process group to exit.
func terminateTree(pid int) {
	_ = unix.Kill(-pid, unix.SIGTERM)
	_ = unix.Kill(pid, unix.SIGTERM)
}

// killTreeHard force-kills the job's process group.
func killTreeHard(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
	_ = unix.Kill(pid, unix.SIGKILL)
}

// killPid force-kills a single pid.
func killPid(pid int32) {
	_ = unix.Kill(int(pid), unix.SIGKILL)
}
