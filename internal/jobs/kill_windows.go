//go:build windows

package jobs

import (
	"os/exec"
	"strconv"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// terminateTree kills the pid tree via taskkill; Windows has no gentler
// tree-wide signal.
func terminateTree(pid int) {
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
}

func killTreeHard(pid int) {
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}

func killPid(pid int32) {
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(int(pid)), "/F").Run()
}
