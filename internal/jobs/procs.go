package jobs

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// pidAlive reports whether the OS still runs the pid.
func pidAlive(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// matchRendererPids returns pids whose command line contains the renderer
// script and every given marker (job id, output dir).
func matchRendererPids(script string, markers ...string) []int32 {
	procs, err := process.Processes()
	if err != nil {
		return nil
	}
	var pids []int32
scan:
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if script != "" && !strings.Contains(cmdline, script) {
			continue
		}
		for _, m := range markers {
			if m != "" && !strings.Contains(cmdline, m) {
				continue scan
			}
		}
		pids = append(pids, p.Pid)
	}
	return pids
}

// descendantPids walks the process tree below pid.
func descendantPids(pid int32) []int32 {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var pids []int32
	for _, c := range children {
		pids = append(pids, c.Pid)
		pids = append(pids, descendantPids(c.Pid)...)
	}
	return pids
}

// collectJobPids gathers every process belonging to a job: the recorded
// child, script+jobID command-line matches, their descendants, and any
// process touching the job's output directory.
func collectJobPids(rootPid int, script, jobID, outputDir string) []int32 {
	seen := map[int32]bool{}
	add := func(pids ...int32) {
		for _, pid := range pids {
			if pid > 0 && !seen[pid] {
				seen[pid] = true
			}
		}
	}
	if rootPid > 0 {
		add(int32(rootPid))
		add(descendantPids(int32(rootPid))...)
	}
	for _, pid := range matchRendererPids(script, jobID) {
		add(pid)
		add(descendantPids(pid)...)
	}
	if outputDir != "" {
		add(matchRendererPids("", outputDir)...)
	}

	out := make([]int32, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	return out
}

// alivePids filters to pids still running.
func alivePids(pids []int32) []int32 {
	var alive []int32
	for _, pid := range pids {
		if pidAlive(pid) {
			alive = append(alive, pid)
		}
	}
	return alive
}
