// Package projcfg owns per-project configuration: the typed model persisted
// to cache/<id>/project-config.json, defaulting and deep-merge semantics,
// and the validated PATCH surface exposed over HTTP.
package projcfg

import "time"

// TimeFormat is the wire format for all timestamps in config files.
const TimeFormat = time.RFC3339

// HistoryLimit bounds every history list kept in the config.
const HistoryLimit = 25

// Result values recorded for runs.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultSkipped   = "skipped"
	ResultDeleted   = "deleted"
	ResultAborted   = "aborted"
	ResultCompleted = "completed"
)

// ExtentInfo is a bounding box in a named CRS.
type ExtentInfo struct {
	BBox      []float64 `json:"bbox"`
	CRS       string    `json:"crs,omitempty"`
	UpdatedAt string    `json:"updatedAt,omitempty"`
}

// ZoomRange is the project-wide zoom window.
type ZoomRange struct {
	Min       *int   `json:"min"`
	Max       *int   `json:"max"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// CachePreferences selects how tiles for the project are produced and laid
// out.
type CachePreferences struct {
	Mode        string `json:"mode"` // xyz | wmts | custom | auto
	TileCRS     string `json:"tileCrs,omitempty"`
	AllowRemote bool   `json:"allowRemote"`
	ThrottleMs  int    `json:"throttleMs"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// WeeklySpec fires on given weekdays at a local time.
type WeeklySpec struct {
	Days []string `json:"days"` // mon..sun
	Time string   `json:"time"` // HH:MM
}

// MonthlySpec fires on given days of month at a local time. Days beyond the
// month's length clamp to its last day.
type MonthlySpec struct {
	Days []int  `json:"days"` // 1..31
	Time string `json:"time"`
}

// YearlyOccurrence is one month/day/time instant per year.
type YearlyOccurrence struct {
	Month int    `json:"month"` // 1..12
	Day   int    `json:"day"`   // 1..31, clamped
	Time  string `json:"time"`
}

// YearlySpec fires on up to three fixed dates per year.
type YearlySpec struct {
	Occurrences []YearlyOccurrence `json:"occurrences"`
}

// HistoryEntry records one schedule or batch execution.
type HistoryEntry struct {
	RunAt   string `json:"runAt"`
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
	Trigger string `json:"trigger,omitempty"`
	RunID   string `json:"runId,omitempty"`
}

// Schedule is a recurring recache specification attached to a layer, theme,
// or the whole project.
type Schedule struct {
	Enabled     bool           `json:"enabled"`
	Mode        string         `json:"mode,omitempty"` // weekly | monthly | yearly
	Weekly      *WeeklySpec    `json:"weekly,omitempty"`
	Monthly     *MonthlySpec   `json:"monthly,omitempty"`
	Yearly      *YearlySpec    `json:"yearly,omitempty"`
	NextRunAt   string         `json:"nextRunAt,omitempty"`
	LastRunAt   string         `json:"lastRunAt,omitempty"`
	LastResult  string         `json:"lastResult,omitempty"`
	LastMessage string         `json:"lastMessage,omitempty"`
	History     []HistoryEntry `json:"history,omitempty"`
	ZoomMin     *int           `json:"zoomMin,omitempty"`
	ZoomMax     *int           `json:"zoomMax,omitempty"`
}

// ProgressInfo mirrors the renderer's progress stream for display.
type ProgressInfo struct {
	TotalGenerated int      `json:"totalGenerated"`
	ExpectedTotal  int      `json:"expectedTotal,omitempty"`
	Percent        *float64 `json:"percent"`
	Status         string   `json:"status,omitempty"`
	UpdatedAt      string   `json:"updatedAt,omitempty"`
}

// TargetEntry is the per-layer / per-theme cache record.
type TargetEntry struct {
	LastParams      map[string]any `json:"lastParams,omitempty"`
	AutoRecache     *bool          `json:"autoRecache,omitempty"`
	LastRequestedAt string         `json:"lastRequestedAt,omitempty"`
	LastResult      string         `json:"lastResult,omitempty"`
	LastMessage     string         `json:"lastMessage,omitempty"`
	LastRunAt       string         `json:"lastRunAt,omitempty"`
	Progress        *ProgressInfo  `json:"progress,omitempty"`
	Schedule        *Schedule      `json:"schedule,omitempty"`
	WfsEditable     *bool          `json:"wfsEditable,omitempty"`
	TileGridID      string         `json:"tileGridId,omitempty"`
	CRS             string         `json:"crs,omitempty"`
	Extent          []float64      `json:"extent,omitempty"`
	Resolutions     []float64      `json:"resolutions,omitempty"`
}

// RecacheSection is the project-level schedule plus the legacy interval
// form kept for older configs.
type RecacheSection struct {
	Schedule     *Schedule      `json:"schedule,omitempty"`
	IntervalDays *int           `json:"intervalDays,omitempty"`
	TimesOfDay   []string       `json:"timesOfDay,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
	LastRunAt    string         `json:"lastRunAt,omitempty"`
	LastResult   string         `json:"lastResult,omitempty"`
	LastMessage  string         `json:"lastMessage,omitempty"`
}

// ProjectCacheSection records whole-project batch runs.
type ProjectCacheSection struct {
	History    []HistoryEntry `json:"history,omitempty"`
	LastRunAt  string         `json:"lastRunAt,omitempty"`
	LastResult string         `json:"lastResult,omitempty"`
	LastRunID  string         `json:"lastRunId,omitempty"`
}

// ProjectConfig is the full persisted per-project configuration.
type ProjectConfig struct {
	ProjectID        string                  `json:"projectId"`
	CreatedAt        string                  `json:"createdAt,omitempty"`
	UpdatedAt        string                  `json:"updatedAt,omitempty"`
	Extent           ExtentInfo              `json:"extent"`
	ExtentWgs84      ExtentInfo              `json:"extentWgs84"`
	Zoom             ZoomRange               `json:"zoom"`
	CachePreferences CachePreferences        `json:"cachePreferences"`
	Layers           map[string]*TargetEntry `json:"layers"`
	Themes           map[string]*TargetEntry `json:"themes"`
	Recache          RecacheSection          `json:"recache"`
	ProjectCache     ProjectCacheSection     `json:"projectCache"`
}

// Default returns a fresh config for a project id.
func Default(id string) *ProjectConfig {
	return &ProjectConfig{
		ProjectID:   id,
		ExtentWgs84: ExtentInfo{CRS: "EPSG:4326"},
		CachePreferences: CachePreferences{
			Mode: "auto",
		},
		Layers: map[string]*TargetEntry{},
		Themes: map[string]*TargetEntry{},
	}
}

// Entry returns the layer or theme entry for (mode, name), or nil.
func (c *ProjectConfig) Entry(mode, name string) *TargetEntry {
	if mode == "theme" {
		return c.Themes[name]
	}
	return c.Layers[name]
}

// EnsureEntry returns the entry for (mode, name), creating it if absent.
func (c *ProjectConfig) EnsureEntry(mode, name string) *TargetEntry {
	m := c.Layers
	if mode == "theme" {
		if c.Themes == nil {
			c.Themes = map[string]*TargetEntry{}
		}
		m = c.Themes
	} else if c.Layers == nil {
		c.Layers = map[string]*TargetEntry{}
		m = c.Layers
	}
	e := m[name]
	if e == nil {
		e = &TargetEntry{}
		m[name] = e
	}
	return e
}

// TrimHistory caps a history list at HistoryLimit, keeping the most recent
// entries (appended last).
func TrimHistory(h []HistoryEntry) []HistoryEntry {
	if len(h) <= HistoryLimit {
		return h
	}
	return h[len(h)-HistoryLimit:]
}
