package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/projcfg"
)

const runPollInterval = 2 * time.Second

// RunCacheJob starts a job from scheduler-style params and polls until it
// reaches a terminal status. The returned result uses the config result
// vocabulary. On timeout the child keeps running; only the wait stops.
func (m *Manager) RunCacheJob(ctx context.Context, project string, params map[string]any, timeout time.Duration) (string, string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return projcfg.ResultError, "", err
	}
	var req StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return projcfg.ResultError, "", err
	}
	req.Project = project

	snap, err := m.Start(req)
	if err != nil {
		return projcfg.ResultError, err.Error(), err
	}

	if timeout <= 0 {
		timeout = time.Hour
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(runPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return projcfg.ResultError, "cancelled", ctx.Err()
		case <-deadline.C:
			return projcfg.ResultError, "timeout waiting for cache job", fmt.Errorf("cache job %s timed out after %s", snap.ID, timeout)
		case <-tick.C:
			cur, ok := m.Get(snap.ID, 0)
			if !ok {
				// Cleaned up between polls; the last flush already landed.
				return projcfg.ResultCompleted, "", nil
			}
			switch cur.Status {
			case StatusCompleted:
				return projcfg.ResultCompleted, "", nil
			case StatusAborted:
				return projcfg.ResultAborted, "aborted", nil
			case StatusError:
				msg := ""
				if len(cur.Stderr) > 0 {
					msg = cur.Stderr[len(cur.Stderr)-1]
				}
				return projcfg.ResultError, msg, nil
			}
		}
	}
}
