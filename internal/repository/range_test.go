package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iliyamo/pixel-grid/internal/model"
)

func TestClampRangePassesSmallRequestsThrough(t *testing.T) {
	r, truncated := clampRange(model.Rect{X0: 10, X1: 109, Y0: 20, Y1: 119})
	assert.False(t, truncated)
	assert.Equal(t, model.Rect{X0: 10, X1: 109, Y0: 20, Y1: 119}, r)
}

func TestClampRangeNormalizesInvertedRectangles(t *testing.T) {
	r, truncated := clampRange(model.Rect{X0: 50, X1: 10, Y0: 90, Y1: 30})
	assert.True(t, truncated)
	assert.Equal(t, model.Rect{X0: 10, X1: 50, Y0: 30, Y1: 90}, r)
}

func TestClampRangeClampsToGrid(t *testing.T) {
	r, truncated := clampRange(model.Rect{X0: -5, X1: 10500, Y0: -1, Y1: 3})
	assert.True(t, truncated)
	assert.Equal(t, 0, r.X0)
	assert.Equal(t, model.GridWidth-1, r.X1)
	assert.Equal(t, 0, r.Y0)
	assert.Equal(t, 3, r.Y1)
}

func TestClampRangeShrinksOversizedRequests(t *testing.T) {
	// 1000x1000 = 1M cells, ten times the cap.
	r, truncated := clampRange(model.Rect{X0: 100, X1: 1099, Y0: 200, Y1: 1199})
	assert.True(t, truncated)
	assert.LessOrEqual(t, r.Area(), MaxRangeArea)

	// Anchored at the requested origin, aspect ratio preserved.
	assert.Equal(t, 100, r.X0)
	assert.Equal(t, 200, r.Y0)
	assert.Equal(t, r.X1-r.X0, r.Y1-r.Y0, "a square request shrinks to a square")
}

func TestClampRangeShrinkKeepsAspectRatio(t *testing.T) {
	// 4:1 request well over the cap.
	r, truncated := clampRange(model.Rect{X0: 0, X1: 3999, Y0: 0, Y1: 999})
	assert.True(t, truncated)
	assert.LessOrEqual(t, r.Area(), MaxRangeArea)

	w := r.X1 - r.X0 + 1
	h := r.Y1 - r.Y0 + 1
	ratio := float64(w) / float64(h)
	assert.InDelta(t, 4.0, ratio, 0.05)
}

func TestClampRangeDegenerateStrips(t *testing.T) {
	// A full-width strip over the cap shrinks on both axes but never
	// below one cell per axis.
	r, truncated := clampRange(model.Rect{X0: 0, X1: 9999, Y0: 0, Y1: 19})
	assert.True(t, truncated)
	assert.LessOrEqual(t, r.Area(), MaxRangeArea)
	assert.GreaterOrEqual(t, r.X1, r.X0)
	assert.GreaterOrEqual(t, r.Y1, r.Y0)

	// Single cell passes untouched.
	r, truncated = clampRange(model.Rect{X0: 7, X1: 7, Y0: 7, Y1: 7})
	assert.False(t, truncated)
	assert.Equal(t, 1, r.Area())
}
