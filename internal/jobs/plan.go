package jobs

import "github.com/MeKo-Tech/tilehub/internal/index"

// RecacheRequest is the client's wish for an incremental run.
type RecacheRequest struct {
	Mode    string      `json:"mode,omitempty"` // incremental
	Overlap *ZoomWindow `json:"overlap,omitempty"`
}

// ZoomWindow is an inclusive zoom range.
type ZoomWindow struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Plan decides how a cache run treats tiles that already exist.
type Plan struct {
	Mode         string `json:"mode"` // full | incremental
	SkipExisting bool   `json:"skipExisting"`
}

// ComputePlan turns a recache request plus the prior index entry into a
// plan. Incremental only applies when a previous run left a zoom range
// behind, the tile CRS is unchanged, and the requested range actually
// differs. skipExisting is set when the new range shares no level with the
// previous one, so only new levels get rendered.
func ComputePlan(req *RecacheRequest, prior *index.Entry, tileCRS string, zoomMin, zoomMax int) Plan {
	plan := Plan{Mode: "full"}
	if req == nil || req.Mode != "incremental" || prior == nil {
		return plan
	}

	prevMin, prevMax, ok := priorZoomRange(prior)
	if !ok {
		return plan
	}
	if prior.TileCRS != "" && tileCRS != "" && prior.TileCRS != tileCRS {
		return plan
	}
	if prevMin == zoomMin && prevMax == zoomMax {
		return plan
	}

	plan.Mode = "incremental"
	plan.SkipExisting = zoomMin > prevMax || zoomMax < prevMin
	return plan
}

func priorZoomRange(e *index.Entry) (int, int, bool) {
	if e.LastZoomMin != nil && e.LastZoomMax != nil {
		return *e.LastZoomMin, *e.LastZoomMax, true
	}
	if e.CachedZoomMin != nil && e.CachedZoomMax != nil {
		return *e.CachedZoomMin, *e.CachedZoomMax, true
	}
	if e.ZoomMin != nil && e.ZoomMax != nil {
		return *e.ZoomMin, *e.ZoomMax, true
	}
	return 0, 0, false
}

// resolvePublishZoom picks the published zoom window: explicit request
// first, then the existing entry, then defaults. The window is widened so
// it always contains the requested render range.
func resolvePublishZoom(req *StartRequest, prior *index.Entry, defMin, defMax int) (int, int) {
	min, max := defMin, defMax
	if prior != nil {
		if prior.PublishedZoomMin != nil {
			min = *prior.PublishedZoomMin
		}
		if prior.PublishedZoomMax != nil {
			max = *prior.PublishedZoomMax
		}
	}
	if req.PublishZoomMin != nil {
		min = *req.PublishZoomMin
	}
	if req.PublishZoomMax != nil {
		max = *req.PublishZoomMax
	}
	if min > req.ZoomMin {
		min = req.ZoomMin
	}
	if max < req.ZoomMax {
		max = req.ZoomMax
	}
	if max < min {
		max = min
	}
	return min, max
}
