package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// pidRecordVersion is bumped when the on-disk shape changes; readers accept
// version 0 (legacy, unversioned) and 1.
const pidRecordVersion = 1

// PidRecord is the on-disk trace of a spawned renderer, used for
// cross-worker aborts and orphan detection after a crash.
type PidRecord struct {
	Version         int      `json:"version"`
	ID              string   `json:"id"`
	Pid             int      `json:"pid"`
	Project         string   `json:"project"`
	TargetMode      string   `json:"targetMode"`
	TargetName      string   `json:"targetName"`
	ViewerSessionID string   `json:"viewerSessionId,omitempty"`
	Args            []string `json:"args"`
	StartedAt       string   `json:"startedAt"`
}

// PidStore keeps one JSON file per spawned job under data/job-pids.
type PidStore struct {
	dir string
}

// NewPidStore creates the store rooted at dir.
func NewPidStore(dir string) *PidStore {
	return &PidStore{dir: dir}
}

// Path returns the record file for a job id.
func (s *PidStore) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Write persists the record, creating the directory on first use.
func (s *PidStore) Write(rec PidRecord) error {
	rec.Version = pidRecordVersion
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path(rec.ID), data, 0o644)
}

// Read loads the record for a job id. Returns false when absent.
func (s *PidStore) Read(id string) (PidRecord, bool, error) {
	data, err := os.ReadFile(s.Path(id))
	if os.IsNotExist(err) {
		return PidRecord{}, false, nil
	}
	if err != nil {
		return PidRecord{}, false, err
	}
	var rec PidRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PidRecord{}, false, err
	}
	if rec.Version > pidRecordVersion {
		return PidRecord{}, false, nil
	}
	return rec, true, nil
}

// Remove deletes the record; missing files are fine.
func (s *PidStore) Remove(id string) {
	_ = os.Remove(s.Path(id))
}

// List returns every readable record in the store.
func (s *PidStore) List() ([]PidRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []PidRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		rec, ok, err := s.Read(id)
		if err != nil || !ok {
			continue
		}
		if rec.ID == "" {
			rec.ID = id
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
