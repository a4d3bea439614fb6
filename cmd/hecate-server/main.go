// Command hecate-server wires the core packages (mutation engine, delta
// journal, bounds registry, tile engine, OSM shim) behind the HTTP API.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/pka/hecate/internal/authz"
	"github.com/pka/hecate/internal/bounds"
	"github.com/pka/hecate/internal/config"
	"github.com/pka/hecate/internal/dbpool"
	"github.com/pka/hecate/internal/delta"
	"github.com/pka/hecate/internal/feature"
	"github.com/pka/hecate/internal/httpapi"
	"github.com/pka/hecate/internal/logging"
	"github.com/pka/hecate/internal/mutation"
	"github.com/pka/hecate/internal/osm"
	"github.com/pka/hecate/internal/tiles"
)

const defaultTileCacheSize = 4096

func main() {
	cfg := config.Default()
	var listen string

	cmd := &cobra.Command{
		Use:   "hecate-server",
		Short: "Geospatial feature storage backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				cfg.Listen = listen
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Database, "database", cfg.Database, "write pool DSN (user[:password]@host[:port]/database)")
	cmd.Flags().StringArrayVar(&cfg.DatabaseSandbox, "database_sandbox", nil, "sandbox pool DSN, repeatable")
	cmd.Flags().StringArrayVar(&cfg.DatabaseReplica, "database_replica", nil, "replica pool DSN, repeatable")
	cmd.Flags().StringVar(&cfg.SchemaPath, "schema", cfg.SchemaPath, "JSON-Schema draft-04 file validating feature properties")
	cmd.Flags().StringVar(&cfg.AuthPath, "auth", cfg.AuthPath, "authorization policy JSON file")
	cmd.Flags().StringVar(&listen, "listen", cfg.Listen, "address to listen on")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logging.New("hecate-server")

	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := dbpool.Open(cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	var schema *feature.Schema
	if cfg.SchemaPath != "" {
		schema, err = feature.LoadSchema(cfg.SchemaPath)
		if err != nil {
			return err
		}
	}

	policy, err := authz.Load(cfg.AuthPath)
	if err != nil {
		return err
	}

	tileEngine, err := tiles.New(pool.Replica(), defaultTileCacheSize)
	if err != nil {
		return err
	}

	engine := mutation.New(pool.Write(), schema, tileEngine, logging.New("mutation"))
	journal := delta.New(pool.Write())
	boundsRegistry := bounds.New(pool.Write())
	osmShim := osm.New(pool.Replica(), engine)

	srv := httpapi.New(httpapi.Deps{
		Pool:     pool,
		Mutation: engine,
		Journal:  journal,
		Bounds:   boundsRegistry,
		Tiles:    tileEngine,
		OSM:      osmShim,
		Auth:     authFunc(policy),
		Log:      log,
	})

	log.Info().Str("listen", cfg.Listen).Msg("starting hecate-server")
	return srv.Start(cfg.Listen)
}

// authFunc is a minimal placeholder for a real session layer: it trusts an
// X-User-Id header set by whatever upstream auth sits in front of this
// server, and asks the loaded policy whether that user holds the admin
// capability.
func authFunc(policy *authz.Policy) httpapi.AuthFunc {
	return func(c echo.Context) (int64, bool) {
		raw := c.Request().Header.Get("X-User-Id")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, policy.IsAdmin(id)
	}
}
