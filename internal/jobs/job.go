package jobs

import (
	"os/exec"
	"time"
)

// Job statuses.
const (
	StatusRunning   = "running"
	StatusAborting  = "aborting"
	StatusAborted   = "aborted"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Target names the layer or theme a job renders.
type Target struct {
	Mode string `json:"mode"` // layer | theme
	Name string `json:"name"`
}

// Key is the per-target uniqueness key.
func (t Target) Key(project string) string {
	return project + ":" + t.Mode + ":" + t.Name
}

// Progress mirrors the renderer's progress stream.
type Progress struct {
	TotalGenerated int      `json:"totalGenerated"`
	ExpectedTotal  int      `json:"expectedTotal,omitempty"`
	Percent        *float64 `json:"percent"`
	Status         string   `json:"status,omitempty"`
	UpdatedAt      string   `json:"updatedAt,omitempty"`
}

// Metadata is captured from the renderer's start_generate event.
type Metadata struct {
	OutputDir     string    `json:"output_dir,omitempty"`
	StorageName   string    `json:"storage_name,omitempty"`
	TileCRS       string    `json:"tile_crs,omitempty"`
	Scheme        string    `json:"scheme,omitempty"`
	XYZMode       string    `json:"xyz_mode,omitempty"`
	ExpectedTotal int       `json:"expected_total,omitempty"`
	ProjectExtent []float64 `json:"project_extent,omitempty"`
	ProjectCRS    string    `json:"project_crs,omitempty"`
}

// StartRequest is the POST /generate-cache body, plus the project file
// path resolved by the HTTP layer.
type StartRequest struct {
	Project          string          `json:"project"`
	Layer            string          `json:"layer,omitempty"`
	Theme            string          `json:"theme,omitempty"`
	ZoomMin          int             `json:"zoom_min"`
	ZoomMax          int             `json:"zoom_max"`
	Scheme           string          `json:"scheme,omitempty"`
	XYZMode          string          `json:"xyz_mode,omitempty"`
	TileCRS          string          `json:"tile_crs,omitempty"`
	WMTS             bool            `json:"wmts,omitempty"`
	ProjectExtent    []float64       `json:"project_extent,omitempty"`
	ExtentCRS        string          `json:"extent_crs,omitempty"`
	AllowRemote      *bool           `json:"allow_remote,omitempty"`
	ThrottleMs       *int            `json:"throttle_ms,omitempty"`
	RenderTimeoutMs  *int            `json:"render_timeout_ms,omitempty"`
	TileRetries      *int            `json:"tile_retries,omitempty"`
	PNGCompression   *int            `json:"png_compression,omitempty"`
	Recache          *RecacheRequest `json:"recache,omitempty"`
	TileMatrixPreset string          `json:"tile_matrix_preset,omitempty"`
	PublishZoomMin   *int            `json:"publish_zoom_min,omitempty"`
	PublishZoomMax   *int            `json:"publish_zoom_max,omitempty"`
	RunReason        string          `json:"run_reason,omitempty"`
	Trigger          string          `json:"trigger,omitempty"`
	RunID            string          `json:"run_id,omitempty"`
	BatchIndex       *int            `json:"batch_index,omitempty"`
	BatchTotal       *int            `json:"batch_total,omitempty"`
	ViewerSessionID  string          `json:"viewer_session_id,omitempty"`

	ProjectFile string `json:"-"`
}

// Job is the in-memory record of one renderer child process. Fields are
// guarded by the manager's mutex; the cmd handle is owned by the spawn
// goroutines.
type Job struct {
	ID      string
	Project string
	Target  Target
	Key     string

	Status    string
	StartedAt time.Time
	EndedAt   time.Time

	Progress Progress
	Metadata *Metadata

	Stdout []string
	Stderr []string

	RunReason       string
	Trigger         string
	RunID           string
	BatchIndex      *int
	BatchTotal      *int
	ViewerSessionID string

	Plan             Plan
	TileBaseDir      string
	ZoomMin          int
	ZoomMax          int
	PublishZoomMin   int
	PublishZoomMax   int
	TileCRS          string
	Scheme           string
	XYZMode          string
	TileMatrixPreset string

	Pid  int
	Args []string

	cmd               *exec.Cmd
	lastIndexWriteAt  time.Time
	lastConfigWriteAt time.Time
	finalized         bool
}

// Snapshot is the JSON view of a job served over HTTP.
type Snapshot struct {
	ID              string    `json:"id"`
	Project         string    `json:"project"`
	Target          Target    `json:"target"`
	Status          string    `json:"status"`
	StartedAt       string    `json:"startedAt"`
	EndedAt         string    `json:"endedAt,omitempty"`
	Progress        Progress  `json:"progress"`
	Metadata        *Metadata `json:"metadata,omitempty"`
	Stdout          []string  `json:"stdout,omitempty"`
	Stderr          []string  `json:"stderr,omitempty"`
	RunReason       string    `json:"runReason,omitempty"`
	Trigger         string    `json:"trigger,omitempty"`
	RunID           string    `json:"runId,omitempty"`
	BatchIndex      *int      `json:"batchIndex,omitempty"`
	BatchTotal      *int      `json:"batchTotal,omitempty"`
	ViewerSessionID string    `json:"viewerSessionId,omitempty"`
	Plan            Plan      `json:"recachePlan"`
	Pid             int       `json:"pid,omitempty"`
}

func (j *Job) snapshot(tail int) Snapshot {
	s := Snapshot{
		ID:              j.ID,
		Project:         j.Project,
		Target:          j.Target,
		Status:          j.Status,
		StartedAt:       j.StartedAt.UTC().Format(time.RFC3339),
		Progress:        j.Progress,
		Metadata:        j.Metadata,
		RunReason:       j.RunReason,
		Trigger:         j.Trigger,
		RunID:           j.RunID,
		BatchIndex:      j.BatchIndex,
		BatchTotal:      j.BatchTotal,
		ViewerSessionID: j.ViewerSessionID,
		Plan:            j.Plan,
		Pid:             j.Pid,
	}
	if !j.EndedAt.IsZero() {
		s.EndedAt = j.EndedAt.UTC().Format(time.RFC3339)
	}
	s.Stdout = tailLines(j.Stdout, tail)
	s.Stderr = tailLines(j.Stderr, tail)
	return s
}

func tailLines(lines []string, n int) []string {
	if n <= 0 || len(lines) == 0 {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// terminal reports whether the job is done.
func (j *Job) terminal() bool {
	switch j.Status {
	case StatusAborted, StatusCompleted, StatusError:
		return true
	}
	return false
}
