package repository

import (
	"math"

	"github.com/iliyamo/pixel-grid/internal/model"
)

// MaxRangeArea caps how many cells a single range query may cover.
// Requests above the cap are shrunk rather than rejected so viewers
// always get a usable (if smaller) window.
const MaxRangeArea = 100000

// clampRange normalizes a requested rectangle to the grid and, when
// its area exceeds MaxRangeArea, shrinks it while preserving the
// aspect ratio, anchored at the requested origin. The second return
// value reports whether the rectangle was truncated; callers must
// propagate it so clients never mistake a partial answer for the full
// request.
func clampRange(req model.Rect) (model.Rect, bool) {
	r := req
	if r.X1 < r.X0 {
		r.X0, r.X1 = r.X1, r.X0
	}
	if r.Y1 < r.Y0 {
		r.Y0, r.Y1 = r.Y1, r.Y0
	}
	r.X0 = clampCoord(r.X0, model.GridWidth-1)
	r.X1 = clampCoord(r.X1, model.GridWidth-1)
	r.Y0 = clampCoord(r.Y0, model.GridHeight-1)
	r.Y1 = clampCoord(r.Y1, model.GridHeight-1)

	truncated := r != req
	w := r.X1 - r.X0 + 1
	h := r.Y1 - r.Y0 + 1
	if w*h <= MaxRangeArea {
		return r, truncated
	}

	// Scale both edges by the same factor so the sub-rectangle keeps
	// the requested shape. Flooring keeps the product under the cap:
	// floor(w*s) * floor(h*s) <= w*h*s^2 = MaxRangeArea.
	scale := math.Sqrt(float64(MaxRangeArea) / float64(w*h))
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	r.X1 = r.X0 + nw - 1
	r.Y1 = r.Y0 + nh - 1
	return r, true
}

func clampCoord(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
