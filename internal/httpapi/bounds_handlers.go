package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/geom"
	"github.com/pka/hecate/internal/stream"
)

type boundsFeatureRequest struct {
	Type     string          `json:"type"`
	Geometry json.RawMessage `json:"geometry"`
}

func (s *server) boundsList(c echo.Context) error {
	names, err := s.Bounds.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, names)
}

func (s *server) boundsGet(c echo.Context) error {
	b, err := s.Bounds.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	gj, err := geom.EncodeGeoJSON(b.Geometry)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"type":     "Feature",
		"geometry": json.RawMessage(gj),
	})
}

func (s *server) boundsMeta(c echo.Context) error {
	m, err := s.Bounds.Meta(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *server) boundsStats(c echo.Context) error {
	stats, err := s.Bounds.Stats(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *server) boundsCreateOrReplace(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errs.Wrap(errs.MalformedInput, "failed to read request body", err)
	}
	var req boundsFeatureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errs.Wrap(errs.MalformedInput, "invalid JSON body", err)
	}
	if req.Type != "Feature" {
		return errs.New(errs.MalformedInput, `top-level "type" must be "Feature"`)
	}
	g, err := geom.DecodeGeoJSON(req.Geometry)
	if err != nil {
		return err
	}
	b, err := s.Bounds.CreateOrReplace(c.Request().Context(), c.Param("name"), g)
	if err != nil {
		return err
	}
	gj, err := geom.EncodeGeoJSON(b.Geometry)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"type":     "Feature",
		"geometry": json.RawMessage(gj),
	})
}

func (s *server) boundsDelete(c echo.Context) error {
	if err := s.Bounds.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// boundsExport streams every live feature intersecting the named bound as
// LDJSON+EOT.
func (s *server) boundsExport(c echo.Context) error {
	b, err := s.Bounds.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	wkbGeom, err := geom.EncodeWKB(b.Geometry)
	if err != nil {
		return err
	}
	r := stream.New(s.Pool.Replica())
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	return r.Polygon(c.Request().Context(), wkbGeom, w)
}
