// Package tiles builds Mapbox Vector Tile binary payloads from spatial
// queries, caches them with explicit and mutation-driven invalidation, and
// exposes a metadata sidecar per tile.
package tiles

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
)

// Extent is the MVT tile coordinate space.
const Extent = 4096

// LayerName is the sole layer every tile carries.
const LayerName = "data"

// Entry is one cached tile: its serialized MVT payload, generation, and the
// sidecar metadata the /meta endpoint returns.
type Entry struct {
	Data         []byte
	Generation   int64
	LayerNames   []string
	FeatureCount int
}

// Engine builds and caches tiles. db should be a replica or the write pool;
// tile generation never mutates data.
type Engine struct {
	db         *sql.DB
	cache      *lru.Cache[string, *Entry]
	generation atomic.Int64
}

// New builds an Engine with an LRU cache holding up to cacheSize tiles.
func New(db *sql.DB, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New[string, *Entry](cacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to build tile cache", err)
	}
	return &Engine{db: db, cache: c}, nil
}

func cacheKey(z, x, y int) string {
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}

// Get returns a tile, generating and caching it on a miss.
func (e *Engine) Get(ctx context.Context, z, x, y int) (*Entry, error) {
	if entry, ok := e.cache.Get(cacheKey(z, x, y)); ok {
		return entry, nil
	}
	return e.Regenerate(ctx, z, x, y)
}

// Regenerate always recomputes a tile and overwrites its cache entry.
func (e *Engine) Regenerate(ctx context.Context, z, x, y int) (*Entry, error) {
	entry, err := e.generate(ctx, z, x, y)
	if err != nil {
		return nil, err
	}
	e.cache.Add(cacheKey(z, x, y), entry)
	return entry, nil
}

// Meta returns the sidecar metadata for a tile without affecting LRU
// recency, or false if the tile has not been generated.
func (e *Engine) Meta(z, x, y int) (*Entry, bool) {
	return e.cache.Peek(cacheKey(z, x, y))
}

// Purge clears the entire cache.
func (e *Engine) Purge() {
	e.cache.Purge()
}

// Invalidate drops every cached tile whose geographic footprint intersects
// any of bounds. Purge remains the conservative alternative for callers
// that prefer to drop everything on commit.
func (e *Engine) Invalidate(bounds []orb.Bound) {
	for _, key := range e.cache.Keys() {
		var z, x, y int
		if _, err := fmt.Sscanf(key, "%d/%d/%d", &z, &x, &y); err != nil {
			continue
		}
		tileBound := lonLatBounds(z, x, y)
		for _, b := range bounds {
			if tileBound.Intersects(b) {
				e.cache.Remove(key)
				break
			}
		}
	}
}

func (e *Engine) generate(ctx context.Context, z, x, y int) (*Entry, error) {
	xmin, ymin, xmax, ymax := mercatorBounds(z, x, y)

	var mvtData []byte
	err := e.db.QueryRowContext(ctx, `
		WITH mvt_geom AS (
			SELECT id, key, properties::text AS properties,
				ST_AsMVTGeom(
					ST_Transform(geom, 3857),
					ST_MakeEnvelope($1, $2, $3, $4, 3857),
					`+fmt.Sprint(Extent)+`,
					64,
					true
				) AS geom
			FROM geo
			WHERE deleted = false
				AND geom IS NOT NULL
				AND ST_Intersects(geom, ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, 3857), 4326))
		)
		SELECT ST_AsMVT(mvt_geom.*, '`+LayerName+`')
		FROM mvt_geom
		WHERE geom IS NOT NULL`,
		xmin, ymin, xmax, ymax,
	).Scan(&mvtData)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to generate tile", err)
	}

	var count int
	err = e.db.QueryRowContext(ctx, `
		SELECT count(*) FROM geo
		WHERE deleted = false
			AND geom IS NOT NULL
			AND ST_Intersects(geom, ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, 3857), 4326))`,
		xmin, ymin, xmax, ymax,
	).Scan(&count)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to count tile features", err)
	}

	return &Entry{
		Data:         mvtData,
		Generation:   e.generation.Add(1),
		LayerNames:   []string{LayerName},
		FeatureCount: count,
	}, nil
}
