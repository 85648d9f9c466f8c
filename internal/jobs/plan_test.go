package jobs

import (
	"testing"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/stretchr/testify/assert"
)

func intp(v int) *int { return &v }

func priorEntry(zmin, zmax int, crs string) *index.Entry {
	return &index.Entry{
		Name:        "parcels",
		Kind:        "layer",
		TileCRS:     crs,
		LastZoomMin: intp(zmin),
		LastZoomMax: intp(zmax),
	}
}

func TestComputePlanFullByDefault(t *testing.T) {
	plan := ComputePlan(nil, priorEntry(0, 5, "EPSG:3857"), "EPSG:3857", 0, 8)
	assert.Equal(t, "full", plan.Mode)
	assert.False(t, plan.SkipExisting)
}

func TestComputePlanIncrementalExtendsRange(t *testing.T) {
	req := &RecacheRequest{Mode: "incremental"}
	plan := ComputePlan(req, priorEntry(0, 5, "EPSG:3857"), "EPSG:3857", 0, 8)
	assert.Equal(t, "incremental", plan.Mode)
	assert.False(t, plan.SkipExisting, "overlapping ranges re-render shared levels")
}

func TestComputePlanSkipExistingOnDisjointRange(t *testing.T) {
	req := &RecacheRequest{Mode: "incremental"}
	plan := ComputePlan(req, priorEntry(0, 5, "EPSG:3857"), "EPSG:3857", 6, 9)
	assert.Equal(t, "incremental", plan.Mode)
	assert.True(t, plan.SkipExisting)
}

func TestComputePlanFullWhenCRSChanged(t *testing.T) {
	req := &RecacheRequest{Mode: "incremental"}
	plan := ComputePlan(req, priorEntry(0, 5, "EPSG:3857"), "EPSG:3006", 0, 8)
	assert.Equal(t, "full", plan.Mode)
}

func TestComputePlanFullWhenNoPriorRange(t *testing.T) {
	req := &RecacheRequest{Mode: "incremental"}
	plan := ComputePlan(req, &index.Entry{Name: "parcels"}, "EPSG:3857", 0, 8)
	assert.Equal(t, "full", plan.Mode)
}

func TestComputePlanFullWhenRangeUnchanged(t *testing.T) {
	req := &RecacheRequest{Mode: "incremental"}
	plan := ComputePlan(req, priorEntry(0, 5, "EPSG:3857"), "EPSG:3857", 0, 5)
	assert.Equal(t, "full", plan.Mode)
}

func TestResolvePublishZoomDefaultsWidenToRequest(t *testing.T) {
	req := &StartRequest{ZoomMin: 0, ZoomMax: 22}
	min, max := resolvePublishZoom(req, nil, 0, 20)
	assert.Equal(t, 0, min)
	assert.Equal(t, 22, max, "publish max must cover the render range")
}

func TestResolvePublishZoomExplicitWins(t *testing.T) {
	req := &StartRequest{ZoomMin: 2, ZoomMax: 6, PublishZoomMin: intp(1), PublishZoomMax: intp(12)}
	prior := &index.Entry{PublishedZoomMin: intp(3), PublishedZoomMax: intp(8)}
	min, max := resolvePublishZoom(req, prior, 0, 20)
	assert.Equal(t, 1, min)
	assert.Equal(t, 12, max)
}

func TestResolvePublishZoomPriorEntryBeatsDefaults(t *testing.T) {
	req := &StartRequest{ZoomMin: 4, ZoomMax: 6}
	prior := &index.Entry{PublishedZoomMin: intp(3), PublishedZoomMax: intp(10)}
	min, max := resolvePublishZoom(req, prior, 0, 20)
	assert.Equal(t, 3, min)
	assert.Equal(t, 10, max)
}

func TestResolveTargetValidation(t *testing.T) {
	_, err := resolveTarget(StartRequest{})
	assert.ErrorIs(t, err, ErrTargetRequired)

	_, err = resolveTarget(StartRequest{Layer: "a", Theme: "b"})
	assert.ErrorIs(t, err, ErrTooManyTargets)

	_, err = resolveTarget(StartRequest{Layer: "../evil"})
	assert.ErrorIs(t, err, ErrInvalidTargetName)

	target, err := resolveTarget(StartRequest{Theme: "aerial"})
	assert.NoError(t, err)
	assert.Equal(t, Target{Mode: "theme", Name: "aerial"}, target)
}
