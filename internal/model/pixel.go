// Package model defines the domain types shared between the repository,
// service and handler layers.  Persistence records live in the
// repository package; these types carry validated business data.
package model

import (
	"fmt"
	"time"
)

// Grid dimensions.  Coordinates are zero-based, so valid values run
// from 0 to GridWidth-1 / GridHeight-1 inclusive.
const (
	GridWidth  = 10000
	GridHeight = 10000
)

// Coord identifies a single cell of the grid.  The (X, Y) pair is
// globally unique: no two pixels may share coordinates.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Key returns the canonical "x,y" form used in API responses and as a
// map key for range queries.
func (c Coord) Key() string { return fmt.Sprintf("%d,%d", c.X, c.Y) }

// InBounds reports whether the coordinate lies on the grid.
func (c Coord) InBounds() bool {
	return c.X >= 0 && c.X < GridWidth && c.Y >= 0 && c.Y < GridHeight
}

// PixelSelection is one cell of a purchase request: a coordinate plus
// the color the buyer wants it painted.  Optional URL and message are
// applied to the whole selection, not per cell.
type PixelSelection struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// Coord returns the coordinate part of the selection.
func (p PixelSelection) Coord() Coord { return Coord{X: p.X, Y: p.Y} }

// PixelView is the read model returned by range queries.  Owner, URL
// and Message are nil for cells that are reserved but not yet owned.
type PixelView struct {
	Color        string     `json:"color"`
	Owner        *string    `json:"owner,omitempty"`
	URL          *string    `json:"url,omitempty"`
	Message      *string    `json:"message,omitempty"`
	PurchaseDate *time.Time `json:"purchaseDate,omitempty"`
}

// Rect is an inclusive rectangle of grid coordinates.
type Rect struct {
	X0 int `json:"x0"`
	X1 int `json:"x1"`
	Y0 int `json:"y0"`
	Y1 int `json:"y1"`
}

// Area returns the number of cells covered by the rectangle.  An
// inverted rectangle has area zero.
func (r Rect) Area() int {
	if r.X1 < r.X0 || r.Y1 < r.Y0 {
		return 0
	}
	return (r.X1 - r.X0 + 1) * (r.Y1 - r.Y0 + 1)
}

// RangeResult carries the cells of a range query together with the
// rectangle that was actually served.  When the requested rectangle
// exceeded the server-side cap, Truncated is true and ActualRequest
// describes the shrunken sub-rectangle; callers must never assume the
// full request was answered.
type RangeResult struct {
	Pixels        map[string]PixelView `json:"pixels"`
	Truncated     bool                 `json:"truncated,omitempty"`
	ActualRequest *Rect                `json:"actualRequest,omitempty"`
}
