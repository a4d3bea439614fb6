// Package httpapi is the HTTP routing surface: it parses requests,
// delegates to the core packages, and translates *errs.Error into status
// codes. It carries no novel engineering of its own; every decision of
// substance lives in the packages it calls.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/pka/hecate/internal/bounds"
	"github.com/pka/hecate/internal/dbpool"
	"github.com/pka/hecate/internal/delta"
	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/mutation"
	"github.com/pka/hecate/internal/osm"
	"github.com/pka/hecate/internal/tiles"
)

// AuthFunc resolves the authenticated user id and whether they hold the
// admin capability force mode requires. This is the seam the routing layer
// plugs a real policy evaluator into.
type AuthFunc func(c echo.Context) (userID int64, isAdmin bool)

// Deps wires every core component the routing surface calls into.
type Deps struct {
	Pool     *dbpool.Manager
	Mutation *mutation.Engine
	Journal  *delta.Journal
	Bounds   *bounds.Registry
	Tiles    *tiles.Engine
	OSM      *osm.Service
	Auth     AuthFunc
	Log      zerolog.Logger
}

// server holds Deps plus the handler groups that share them.
type server struct {
	Deps
}

// New builds an *echo.Echo with every API route registered.
func New(deps Deps) *echo.Echo {
	if deps.Auth == nil {
		deps.Auth = func(c echo.Context) (int64, bool) { return 0, false }
	}
	s := &server{Deps: deps}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/", s.health)
	e.GET("/api", s.meta)

	data := e.Group("/api/data")
	data.GET("/feature/:id", s.getFeatureByID)
	data.GET("/feature/:id/history", s.getFeatureHistory)
	data.GET("/feature", s.getFeatureByKeyOrPoint)
	data.POST("/feature", s.mutateOne)
	data.GET("/features", s.getFeatures)
	data.POST("/features", s.mutateMany)
	data.GET("/clone", s.clone)
	data.GET("/query", s.sandboxQuery)

	boundsGroup := e.Group("/api/data/bounds")
	boundsGroup.GET("", s.boundsList)
	boundsGroup.GET("/:name", s.boundsGet)
	boundsGroup.POST("/:name", s.boundsCreateOrReplace)
	boundsGroup.DELETE("/:name", s.boundsDelete)
	boundsGroup.GET("/:name/meta", s.boundsMeta)
	boundsGroup.GET("/:name/stats", s.boundsStats)
	boundsGroup.GET("/:name/export", s.boundsExport)

	tilesGroup := e.Group("/api/tiles")
	tilesGroup.GET("/:z/:x/:y", s.tileGet)
	tilesGroup.GET("/:z/:x/:y/regen", s.tileRegen)
	tilesGroup.GET("/:z/:x/:y/meta", s.tileMeta)
	tilesGroup.DELETE("", s.tilePurge)

	e.GET("/api/deltas", s.deltaList)
	e.GET("/api/delta/:id", s.deltaGet)

	osmGroup := e.Group("/api/0.6")
	osmGroup.GET("/capabilities", s.osmCapabilities)
	osmGroup.PUT("/changeset/create", s.osmChangesetCreate)
	osmGroup.POST("/changeset/:id/upload", s.osmChangesetUpload)
	osmGroup.PUT("/changeset/:id/close", s.osmChangesetClose)
	osmGroup.GET("/map", s.osmMap)

	return e
}

func (s *server) health(c echo.Context) error {
	return c.String(http.StatusOK, "Hello World!")
}

func (s *server) meta(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":    "hecate",
		"version": "0.6",
	})
}

// errorHandler translates *errs.Error into its status code and a JSON body.
// Echo's own *echo.HTTPError (routing, binding) keeps its status code and is
// labelled malformed-input; any other non-core error is reported as internal.
func (s *server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	kind := errs.KindOf(err)
	status := kind.Status()
	if herr, ok := err.(*echo.HTTPError); ok {
		status = herr.Code
		_ = c.JSON(status, map[string]interface{}{"error": "malformed-input", "message": herr.Message})
		return
	}
	s.Log.Error().Err(err).Str("kind", string(kind)).Int("status", status).Msg("request failed")
	_ = c.JSON(status, map[string]interface{}{"error": string(kind), "message": err.Error()})
}
