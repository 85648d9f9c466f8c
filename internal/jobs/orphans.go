package jobs

import (
	"fmt"
	"sort"
	"time"
)

// Orphan is a renderer process that outlived the worker which spawned it.
type Orphan struct {
	ID         string   `json:"id"`
	Pid        int      `json:"pid"`
	Project    string   `json:"project,omitempty"`
	TargetMode string   `json:"targetMode,omitempty"`
	TargetName string   `json:"targetName,omitempty"`
	Args       []string `json:"args,omitempty"`
	Source     string   `json:"source"` // pid-file | process-scan
	StartedAt  string   `json:"startedAt,omitempty"`
	DetectedAt string   `json:"detectedAt"`
}

// ScanOrphans reconciles pid records and the OS process table against the
// in-memory job map. Called once at boot and available to admins.
func (m *Manager) ScanOrphans() []Orphan {
	detected := m.Now().UTC().Format(time.RFC3339)

	recs, err := m.pids.List()
	if err != nil {
		m.logger.Warn("pid record scan failed", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	knownPids := map[int]bool{}
	for _, rec := range recs {
		if _, ok := m.jobs[rec.ID]; ok {
			knownPids[rec.Pid] = true
			continue
		}
		if !pidAlive(int32(rec.Pid)) {
			// Stale record from a crashed run; reap it.
			m.pids.Remove(rec.ID)
			continue
		}
		knownPids[rec.Pid] = true
		m.orphans[rec.ID] = Orphan{
			ID:         rec.ID,
			Pid:        rec.Pid,
			Project:    rec.Project,
			TargetMode: rec.TargetMode,
			TargetName: rec.TargetName,
			Args:       rec.Args,
			Source:     "pid-file",
			StartedAt:  rec.StartedAt,
			DetectedAt: detected,
		}
	}
	for _, job := range m.jobs {
		knownPids[job.Pid] = true
	}

	for _, pid := range matchRendererPids(m.cfg.RendererScript) {
		if knownPids[int(pid)] {
			continue
		}
		id := fmt.Sprintf("orphan-%d", pid)
		m.orphans[id] = Orphan{
			ID:         id,
			Pid:        int(pid),
			Source:     "process-scan",
			DetectedAt: detected,
		}
	}

	return m.orphanList()
}

// Orphans lists known orphans, dropping entries whose pid has since died.
func (m *Manager) Orphans() []Orphan {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.orphans {
		if !pidAlive(int32(o.Pid)) {
			delete(m.orphans, id)
			if o.Source == "pid-file" {
				m.pids.Remove(id)
			}
		}
	}
	return m.orphanList()
}

func (m *Manager) orphanList() []Orphan {
	out := make([]Orphan, 0, len(m.orphans))
	for _, o := range m.orphans {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KillOrphan force-kills an orphan's process tree.
func (m *Manager) KillOrphan(id string) error {
	m.mu.Lock()
	o, ok := m.orphans[id]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	remaining := m.killJobTree(o.Pid, o.ID, "")
	if len(remaining) > 0 {
		return errAbortFailed(remaining)
	}

	m.mu.Lock()
	delete(m.orphans, id)
	m.mu.Unlock()
	if o.Source == "pid-file" {
		m.pids.Remove(id)
	}
	m.logger.Info("orphan killed", "orphan", id, "pid", o.Pid)
	return nil
}

// Diagnose reports every process matched for a job id, optionally killing
// them.
func (m *Manager) Diagnose(id string, kill bool) map[string]any {
	var rootPid int
	var outputDir string
	m.mu.Lock()
	if job, ok := m.jobs[id]; ok {
		rootPid = job.Pid
		outputDir = job.TileBaseDir
	} else if o, ok := m.orphans[id]; ok {
		rootPid = o.Pid
	}
	m.mu.Unlock()
	if rootPid == 0 {
		if rec, ok, _ := m.pids.Read(id); ok {
			rootPid = rec.Pid
		}
	}

	matched := collectJobPids(rootPid, m.cfg.RendererScript, id, outputDir)
	alive := alivePids(matched)
	report := map[string]any{
		"id":      id,
		"rootPid": rootPid,
		"matched": matched,
		"alive":   alive,
	}
	if kill && len(alive) > 0 {
		remaining := m.killJobTree(rootPid, id, outputDir)
		report["killed"] = true
		report["remaining"] = remaining
	}
	return report
}

// KillPid force-kills an arbitrary pid (admin escape hatch).
func (m *Manager) KillPid(pid int) error {
	if pid <= 1 {
		return &Error{Code: "invalid_pid", Status: 400}
	}
	killTreeHard(pid)
	if pidAlive(int32(pid)) {
		return errAbortFailed([]int32{int32(pid)})
	}
	return nil
}
