package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pka/hecate/internal/errs"
)

const mvtContentType = "application/vnd.mapbox-vector-tile"

func parseTileCoords(c echo.Context) (z, x, y int, err error) {
	z, err = strconv.Atoi(c.Param("z"))
	if err != nil {
		return 0, 0, 0, errs.New(errs.MalformedInput, "invalid z")
	}
	x, err = strconv.Atoi(c.Param("x"))
	if err != nil {
		return 0, 0, 0, errs.New(errs.MalformedInput, "invalid x")
	}
	y, err = strconv.Atoi(c.Param("y"))
	if err != nil {
		return 0, 0, 0, errs.New(errs.MalformedInput, "invalid y")
	}
	return z, x, y, nil
}

func (s *server) tileGet(c echo.Context) error {
	z, x, y, err := parseTileCoords(c)
	if err != nil {
		return err
	}
	entry, err := s.Tiles.Get(c.Request().Context(), z, x, y)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, mvtContentType, entry.Data)
}

func (s *server) tileRegen(c echo.Context) error {
	z, x, y, err := parseTileCoords(c)
	if err != nil {
		return err
	}
	entry, err := s.Tiles.Regenerate(c.Request().Context(), z, x, y)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, mvtContentType, entry.Data)
}

func (s *server) tileMeta(c echo.Context) error {
	z, x, y, err := parseTileCoords(c)
	if err != nil {
		return err
	}
	entry, ok := s.Tiles.Meta(z, x, y)
	if !ok {
		return errs.New(errs.NotFound, "tile has not been generated")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"layers":        entry.LayerNames,
		"feature_count": entry.FeatureCount,
		"generation":    entry.Generation,
	})
}

func (s *server) tilePurge(c echo.Context) error {
	s.Tiles.Purge()
	return c.NoContent(http.StatusOK)
}
