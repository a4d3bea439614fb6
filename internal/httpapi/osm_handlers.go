package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/osm"
)

const osmXMLContentType = "text/xml; charset=utf-8"

func (s *server) osmCapabilities(c echo.Context) error {
	return c.Blob(http.StatusOK, osmXMLContentType, s.OSM.Capabilities())
}

func (s *server) osmChangesetCreate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errs.Wrap(errs.MalformedInput, "failed to read request body", err)
	}
	author, _ := s.Auth(c)
	id := s.OSM.CreateChangeset(author, osm.ParseChangesetComment(body))
	return c.String(http.StatusOK, strconv.FormatInt(id, 10))
}

func (s *server) osmChangesetUpload(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errs.New(errs.MalformedInput, "id must be an integer")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errs.Wrap(errs.MalformedInput, "failed to read request body", err)
	}
	out, err := s.OSM.Upload(c.Request().Context(), id, body)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, osmXMLContentType, out)
}

func (s *server) osmChangesetClose(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errs.New(errs.MalformedInput, "id must be an integer")
	}
	if err := s.OSM.CloseChangeset(id); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *server) osmMap(c echo.Context) error {
	raw := c.QueryParam("bbox")
	if raw == "" {
		return errs.New(errs.MalformedInput, "bbox query parameter is required")
	}
	bound, err := parseBBox(raw)
	if err != nil {
		return err
	}
	out, err := s.OSM.Map(c.Request().Context(), bound)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, osmXMLContentType, out)
}
