package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid/internal/model"
	"github.com/iliyamo/pixel-grid/internal/service"
)

// PixelHandler exposes the grid: purchasing cells and reading regions.
type PixelHandler struct {
	coord *service.Coordinator
	store service.GridStore
	stats *service.StatsService
}

// NewPixelHandler wires a PixelHandler.
func NewPixelHandler(coord *service.Coordinator, store service.GridStore, stats *service.StatsService) *PixelHandler {
	return &PixelHandler{coord: coord, store: store, stats: stats}
}

type selectPayload struct {
	Pixels  []model.PixelSelection `json:"pixels"`
	URL     *string                `json:"url,omitempty"`
	Message *string                `json:"message,omitempty"`
}

// Select handles POST /v1/pixels/select: claim the requested cells and
// return a Lightning invoice for them. Conflicts come back as 409 with
// the exact unavailable coordinates.
func (h *PixelHandler) Select(c echo.Context) error {
	var payload selectPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res, err := h.coord.Select(c.Request().Context(), service.SelectRequest{
		Pixels:  payload.Pixels,
		URL:     payload.URL,
		Message: payload.Message,
	})
	if err != nil {
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": ve.Reason})
		}
		var ce *service.ConflictError
		if errors.As(err, &ce) {
			keys := make([]string, 0, len(ce.Unavailable))
			for _, coord := range ce.Unavailable {
				keys = append(keys, coord.Key())
			}
			return c.JSON(http.StatusConflict, echo.Map{
				"error":             "some pixels are no longer available",
				"unavailablePixels": keys,
			})
		}
		if errors.Is(err, service.ErrUpstream) {
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider unavailable, please retry"})
		}
		c.Logger().Errorf("pixel select failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not process selection"})
	}
	return c.JSON(http.StatusCreated, res)
}

// GetRange handles GET /v1/pixels: read a rectangular region of the
// grid. Oversized requests are shrunk server-side and the response says
// so, so clients can re-request the rest.
func (h *PixelHandler) GetRange(c echo.Context) error {
	rect, err := parseRect(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	res, err := h.store.GetRange(c.Request().Context(), rect)
	if err != nil {
		c.Logger().Errorf("pixel range read failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not read pixels"})
	}
	return c.JSON(http.StatusOK, res)
}

// Count handles GET /v1/pixels/count: the sold-pixel counter shown on
// the storefront. Served from the statistics aggregate so it shares the
// same cache.
func (h *PixelHandler) Count(c echo.Context) error {
	stats, err := h.stats.Get(c.Request().Context(), false)
	if err != nil {
		c.Logger().Errorf("pixel count failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not count pixels"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"count":       stats.PixelsSold,
		"totalPixels": stats.TotalPixels,
	})
}

func parseRect(c echo.Context) (model.Rect, error) {
	var rect model.Rect
	var err error
	if rect.X0, err = queryInt(c, "x0"); err != nil {
		return rect, err
	}
	if rect.X1, err = queryInt(c, "x1"); err != nil {
		return rect, err
	}
	if rect.Y0, err = queryInt(c, "y0"); err != nil {
		return rect, err
	}
	if rect.Y1, err = queryInt(c, "y1"); err != nil {
		return rect, err
	}
	return rect, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, errors.New("missing query parameter " + name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("query parameter " + name + " must be an integer")
	}
	return v, nil
}
