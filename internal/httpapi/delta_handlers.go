package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pka/hecate/internal/errs"
)

func (s *server) deltaList(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	ctx := c.Request().Context()

	if startRaw, endRaw := c.QueryParam("start"), c.QueryParam("end"); startRaw != "" || endRaw != "" {
		start, err := time.Parse(time.RFC3339, startRaw)
		if err != nil {
			return errs.New(errs.MalformedInput, "start must be RFC3339")
		}
		end, err := time.Parse(time.RFC3339, endRaw)
		if err != nil {
			return errs.New(errs.MalformedInput, "end must be RFC3339")
		}
		if start.Before(end) {
			return errs.New(errs.MalformedInput, "start must not be before end (start is the recent bound)")
		}
		deltas, err := s.Journal.ListByTimeRange(ctx, end, start, limit)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, deltas)
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	deltas, err := s.Journal.ListByOffset(ctx, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deltas)
}

func (s *server) deltaGet(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errs.New(errs.MalformedInput, "id must be an integer")
	}
	d, err := s.Journal.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
