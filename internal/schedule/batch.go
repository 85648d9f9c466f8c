package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Batch statuses.
const (
	BatchQueued    = "queued"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchError     = "error"
)

// BatchRun tracks one whole-project recache pass.
type BatchRun struct {
	ID             string   `json:"id"`
	Project        string   `json:"project"`
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	Trigger        string   `json:"trigger,omitempty"`
	StartedAt      string   `json:"startedAt,omitempty"`
	EndedAt        string   `json:"endedAt,omitempty"`
	Layers         []string `json:"layers"`
	TotalCount     int      `json:"totalCount"`
	CompletedCount int      `json:"completedCount"`
	CurrentLayer   string   `json:"currentLayer,omitempty"`
	CurrentIndex   int      `json:"currentIndex"`
	Result         string   `json:"result,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// BatchRequest parameterizes a project batch.
type BatchRequest struct {
	Layers  []string // explicit layer list; empty selects auto-recache layers
	Trigger string   // manual | timer
	Reason  string
	RunID   string
}

// ErrBatchRunning is returned when a batch is already active for the
// project.
var ErrBatchRunning = fmt.Errorf("batch_running")

// ErrNoLayers is returned when no layer qualifies for a batch run.
var ErrNoLayers = fmt.Errorf("no_layers")

// ActiveBatch returns the current (or recently finished, within TTL) batch
// for a project.
func (e *Engine) ActiveBatch(projectID string) (*BatchRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[projectID]
	if !ok {
		return nil, false
	}
	cp := *b
	return &cp, true
}

// RunProjectBatch purges and recaches the project's layers sequentially.
// The batch record stays queryable for the configured TTL after it ends.
func (e *Engine) RunProjectBatch(ctx context.Context, projectID string, req BatchRequest) (*BatchRun, error) {
	cfg, err := e.cfgSvc.Read(projectID)
	if err != nil {
		return nil, err
	}

	layers := req.Layers
	if len(layers) == 0 {
		for name, entry := range cfg.Layers {
			if entry == nil || entry.LastParams == nil {
				continue
			}
			if entry.AutoRecache != nil && !*entry.AutoRecache {
				continue
			}
			layers = append(layers, name)
		}
	}
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	run := &BatchRun{
		ID:         runID,
		Project:    projectID,
		Status:     BatchRunning,
		Reason:     req.Reason,
		Trigger:    req.Trigger,
		StartedAt:  e.Now().UTC().Format(projcfg.TimeFormat),
		Layers:     layers,
		TotalCount: len(layers),
	}

	e.mu.Lock()
	if existing, ok := e.batches[projectID]; ok && existing.Status == BatchRunning {
		e.mu.Unlock()
		return existing, ErrBatchRunning
	}
	e.batches[projectID] = run
	e.mu.Unlock()

	var errs *multierror.Error
	for i, name := range layers {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}

		e.mu.Lock()
		run.CurrentLayer = name
		run.CurrentIndex = i
		e.mu.Unlock()

		if err := e.runner.PurgeTarget(projectID, "layer", name, true); err != nil {
			e.logger.Warn("batch: purge failed", "project", projectID, "layer", name, "error", err)
		}

		params := map[string]any{}
		if entry := cfg.Layers[name]; entry != nil && entry.LastParams != nil {
			for k, v := range entry.LastParams {
				params[k] = v
			}
		}
		params["layer"] = name
		params["run_reason"] = req.Reason
		params["trigger"] = req.Trigger
		params["run_id"] = runID
		params["batch_index"] = i
		params["batch_total"] = len(layers)

		result, message, err := e.runner.RunCacheJob(ctx, projectID, params, e.cfg.RunTimeout)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("layer %s: %w", name, err))
			e.logger.Error("batch: layer run failed", "project", projectID, "layer", name, "error", err)
		} else if result == projcfg.ResultError {
			errs = multierror.Append(errs, fmt.Errorf("layer %s: %s", name, message))
		}

		e.mu.Lock()
		run.CompletedCount = i + 1
		e.mu.Unlock()
	}

	ended := e.Now().UTC().Format(projcfg.TimeFormat)
	result := projcfg.ResultSuccess
	status := BatchCompleted
	var errText string
	if errs.ErrorOrNil() != nil {
		result = projcfg.ResultError
		status = BatchError
		errText = errs.Error()
	}

	e.mu.Lock()
	run.Status = status
	run.EndedAt = ended
	run.Result = result
	run.Error = errText
	run.CurrentLayer = ""
	e.mu.Unlock()

	if _, err := e.cfgSvc.Mutate(projectID, func(c *projcfg.ProjectConfig) {
		c.ProjectCache.LastRunAt = ended
		c.ProjectCache.LastResult = result
		c.ProjectCache.LastRunID = runID
		c.ProjectCache.History = projcfg.TrimHistory(append(c.ProjectCache.History, projcfg.HistoryEntry{
			RunAt:   ended,
			Result:  result,
			Message: fmt.Sprintf("%d/%d layers", run.CompletedCount, run.TotalCount),
			Trigger: req.Trigger,
			RunID:   runID,
		}))
	}, projcfg.WriteOptions{SkipReschedule: true}); err != nil {
		e.logger.Error("batch: history write failed", "project", projectID, "error", err)
	}

	e.evictBatchLater(projectID, runID)
	cp := *run
	return &cp, nil
}

func (e *Engine) evictBatchLater(projectID, runID string) {
	time.AfterFunc(e.cfg.BatchTTL, func() {
		e.mu.Lock()
		if b, ok := e.batches[projectID]; ok && b.ID == runID {
			delete(e.batches, projectID)
		}
		e.mu.Unlock()
	})
}
