package jobs

import (
	"fmt"
	"time"
)

const abortPollWindow = 2 * time.Second

// Abort terminates a job. When the id is unknown to this process, the pid
// record written by another worker is consulted and the same tree-kill is
// applied. Idempotent: aborting a terminal or already-dead job succeeds.
func (m *Manager) Abort(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return m.abortByRecord(id)
	}
	if job.terminal() {
		m.mu.Unlock()
		return nil
	}
	job.Status = StatusAborting
	pid := job.Pid
	outputDir := job.TileBaseDir
	m.mu.Unlock()

	m.flushIndex(job, true)
	m.flushConfig(job, true, "")

	remaining := m.killJobTree(pid, id, outputDir)
	if len(remaining) > 0 {
		return errAbortFailed(remaining)
	}

	// cmd.Wait's finalize may already have run; finalize is idempotent.
	m.finalize(job, fmt.Errorf("aborted"))
	m.logger.Info("cache job aborted", "job", id, "project", job.Project)
	return nil
}

// abortByRecord handles ids spawned by another worker process.
func (m *Manager) abortByRecord(id string) error {
	rec, ok, err := m.pids.Read(id)
	if err != nil || !ok {
		return ErrJobNotFound
	}
	outputDir := ""
	for i, a := range rec.Args {
		if a == "--output_dir" && i+1 < len(rec.Args) {
			outputDir = rec.Args[i+1]
		}
	}
	remaining := m.killJobTree(rec.Pid, id, outputDir)
	if len(remaining) > 0 {
		return errAbortFailed(remaining)
	}
	m.pids.Remove(id)
	m.logger.Info("cross-worker job aborted", "job", id, "project", rec.Project, "pid", rec.Pid)
	return nil
}

// killJobTree escalates: gentle tree terminate, hard group kill, then
// force-kill of every process matched by command line. Returns the pids
// still alive after the bounded wait.
func (m *Manager) killJobTree(pid int, jobID, outputDir string) []int32 {
	if pid > 0 {
		terminateTree(pid)
	}

	matched := collectJobPids(pid, m.cfg.RendererScript, jobID, outputDir)
	if pid > 0 {
		killTreeHard(pid)
	}
	for _, p := range matched {
		killPid(p)
	}

	deadline := time.Now().Add(abortPollWindow + m.cfg.AbortGrace)
	for time.Now().Before(deadline) {
		alive := alivePids(collectJobPids(pid, m.cfg.RendererScript, jobID, outputDir))
		if len(alive) == 0 {
			return nil
		}
		for _, p := range alive {
			killPid(p)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return alivePids(collectJobPids(pid, m.cfg.RendererScript, jobID, outputDir))
}

// AbortMatching aborts every non-terminal job accepted by the predicate
// and returns the aborted ids. The first failure is returned after all
// jobs were attempted.
func (m *Manager) AbortMatching(pred func(*Job) bool) ([]string, error) {
	m.mu.Lock()
	var ids []string
	for id, job := range m.jobs {
		if !job.terminal() && pred(job) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Abort(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return ids, firstErr
}

// AbortProject aborts jobs of a project; name narrows to one layer/theme.
func (m *Manager) AbortProject(project, name string) ([]string, error) {
	return m.AbortMatching(func(j *Job) bool {
		if j.Project != project {
			return false
		}
		return name == "" || j.Target.Name == name
	})
}

// AbortSession aborts jobs started on behalf of a viewer session.
func (m *Manager) AbortSession(sid string) ([]string, error) {
	if sid == "" {
		return nil, nil
	}
	return m.AbortMatching(func(j *Job) bool { return j.ViewerSessionID == sid })
}

// WaitProjectIdle blocks until no job of the project remains in memory,
// for project deletion. Returns false on timeout.
func (m *Manager) WaitProjectIdle(project string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		busy := false
		for _, job := range m.jobs {
			if job.Project == project && !job.terminal() {
				busy = true
				break
			}
		}
		m.mu.Unlock()
		if !busy {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
}
