package service

import (
	"regexp"

	"github.com/iliyamo/pixel-grid/internal/model"
)

// colorPattern accepts exactly the 6-hex-digit form (#RRGGBB).
// Shorthand like #FFF is rejected; the grid stores one canonical
// representation per cell.
var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// validateSelection checks a purchase request before any store
// mutation: non-empty, within the per-purchase cap, every coordinate
// on the grid, every color well-formed, no coordinate listed twice.
// Any violation fails the whole request.
func validateSelection(pixels []model.PixelSelection, maxPixels int) error {
	if len(pixels) == 0 {
		return validationf("selection is empty")
	}
	if len(pixels) > maxPixels {
		return validationf("too many pixels: %d exceeds the per-purchase limit of %d", len(pixels), maxPixels)
	}
	seen := make(map[model.Coord]struct{}, len(pixels))
	for _, p := range pixels {
		c := p.Coord()
		if !c.InBounds() {
			return validationf("coordinates (%d,%d) are outside the 0-%d range", p.X, p.Y, model.GridWidth-1)
		}
		if !colorPattern.MatchString(p.Color) {
			return validationf("invalid color %q: expected #RRGGBB", p.Color)
		}
		if _, dup := seen[c]; dup {
			return validationf("coordinate (%d,%d) appears more than once", p.X, p.Y)
		}
		seen[c] = struct{}{}
	}
	return nil
}
