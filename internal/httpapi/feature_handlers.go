package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/feature"
	"github.com/pka/hecate/internal/stream"
)

func parsePoint(raw string) (orb.Point, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return orb.Point{}, errs.New(errs.MalformedInput, "point must be \"lng,lat\"")
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return orb.Point{}, errs.New(errs.MalformedInput, "invalid point longitude")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return orb.Point{}, errs.New(errs.MalformedInput, "invalid point latitude")
	}
	return orb.Point{lng, lat}, nil
}

func parseBBox(raw string) (orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, errs.New(errs.MalformedInput, "bbox must be \"minX,minY,maxX,maxY\"")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, errs.New(errs.MalformedInput, "invalid bbox coordinate")
		}
		vals[i] = v
	}
	return orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

func (s *server) getFeatureByID(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errs.New(errs.MalformedInput, "id must be an integer")
	}
	r := stream.New(s.Pool.Replica())
	f, err := r.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (s *server) getFeatureHistory(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errs.New(errs.MalformedInput, "id must be an integer")
	}
	r := stream.New(s.Pool.Replica())
	history, err := r.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (s *server) getFeatureByKeyOrPoint(c echo.Context) error {
	r := stream.New(s.Pool.Replica())
	if key := c.QueryParam("key"); key != "" {
		f, err := r.GetByKey(c.Request().Context(), key)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, f)
	}
	if raw := c.QueryParam("point"); raw != "" {
		pt, err := parsePoint(raw)
		if err != nil {
			return err
		}
		f, err := r.GetByPoint(c.Request().Context(), pt)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, f)
	}
	return errs.New(errs.MalformedInput, "key or point query parameter is required")
}

// getFeatures streams bbox or point matches as LDJSON+EOT. Query parameters
// are parsed before any response header is written, so a malformed-input
// rejection still reaches the client as a proper error status instead of a
// silently-dropped body on an already-committed 200.
func (s *server) getFeatures(c echo.Context) error {
	r := stream.New(s.Pool.Replica())
	w := c.Response()

	if raw := c.QueryParam("bbox"); raw != "" {
		bound, err := parseBBox(raw)
		if err != nil {
			return err
		}
		w.Header().Set(echo.HeaderContentType, "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		return r.Bbox(c.Request().Context(), bound, w)
	}
	if raw := c.QueryParam("point"); raw != "" {
		pt, err := parsePoint(raw)
		if err != nil {
			return err
		}
		w.Header().Set(echo.HeaderContentType, "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		return r.Point(c.Request().Context(), pt, w)
	}
	return errs.New(errs.MalformedInput, "bbox or point query parameter is required")
}

func (s *server) clone(c echo.Context) error {
	r := stream.New(s.Pool.Replica())
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	return r.Clone(c.Request().Context(), w)
}

// sandboxQuery runs a user-supplied SELECT against the sandbox pool. The
// query is validated before any response header is written so a
// sandbox-violation reaches the client as 400, not a 200 whose body is then
// silently dropped by errorHandler's already-committed check.
func (s *server) sandboxQuery(c echo.Context) error {
	query := c.QueryParam("query")
	if query == "" {
		return errs.New(errs.SandboxViolation, "query parameter is required")
	}
	if err := stream.ValidateQuery(query); err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	r := stream.New(s.Pool.Sandbox())
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	return r.Query(c.Request().Context(), query, limit, w)
}

func (s *server) mutateOne(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errs.Wrap(errs.MalformedInput, "failed to read request body", err)
	}
	req, err := feature.ParseSingle(body)
	if err != nil {
		return err
	}
	if req.Force {
		if _, isAdmin := s.Auth(c); !isAdmin {
			return errs.New(errs.Forbidden, "force requires an admin-level capability")
		}
	}
	author, _ := s.Auth(c)
	result, err := s.Mutation.MutateOne(c.Request().Context(), req.RawFeature, req.Message, author)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *server) mutateMany(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errs.Wrap(errs.MalformedInput, "failed to read request body", err)
	}
	req, err := feature.ParseCollection(body)
	if err != nil {
		return err
	}
	_, isAdmin := s.Auth(c)
	for _, rf := range req.Features {
		if rf.Force && !isAdmin {
			return errs.New(errs.Forbidden, "force requires an admin-level capability")
		}
	}
	author, _ := s.Auth(c)
	result, err := s.Mutation.MutateMany(c.Request().Context(), req.Features, req.Message, author)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
