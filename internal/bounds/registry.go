// Package bounds is the registry of named Polygon or MultiPolygon regions
// used to scope exports and per-geometry-type feature statistics.
package bounds

import (
	"context"
	"database/sql"
	"errors"

	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/geom"
)

// Bound is a named region.
type Bound struct {
	Name     string
	Geometry orb.Geometry
}

// Meta is the lightweight sidecar for a bound: its name and extent, without
// the full geometry payload.
type Meta struct {
	Name  string
	Type  string
	Bound orb.Bound
}

// Registry stores bounds in the `bounds` table. Reads and writes both go
// through the single pool it is built with.
type Registry struct {
	db *sql.DB
}

// New builds a Registry over db.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// List returns every bound's name in alphabetical order.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM bounds ORDER BY name`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to list bounds", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.Internal, "failed to scan bound row", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to list bounds", err)
	}
	return names, nil
}

// Get returns a bound's full geometry.
func (r *Registry) Get(ctx context.Context, name string) (*Bound, error) {
	var geomBin []byte
	row := r.db.QueryRowContext(ctx, `SELECT ST_AsBinary(geom) FROM bounds WHERE name = $1`, name)
	if err := row.Scan(&geomBin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.NotFound, "bound not found")
		}
		return nil, errs.Wrap(errs.Internal, "failed to read bound", err)
	}
	g, err := geom.DecodeWKB(geomBin)
	if err != nil {
		return nil, err
	}
	return &Bound{Name: name, Geometry: g}, nil
}

// Meta returns a bound's name, type, and extent without decoding the full
// geometry into memory twice.
func (r *Registry) Meta(ctx context.Context, name string) (*Meta, error) {
	b, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Meta{Name: b.Name, Type: geom.TypeName(b.Geometry), Bound: b.Geometry.Bound()}, nil
}

// CreateOrReplace stores g under name, requiring a Polygon or MultiPolygon.
func (r *Registry) CreateOrReplace(ctx context.Context, name string, g orb.Geometry) (*Bound, error) {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, errs.New(errs.UnsupportedGeometry, "bounds require a Polygon or MultiPolygon geometry")
	}
	wkbGeom, err := geom.EncodeWKB(g)
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO bounds (name, geom) VALUES ($1, ST_SetSRID(ST_GeomFromWKB($2), 4326))
		ON CONFLICT (name) DO UPDATE SET geom = EXCLUDED.geom`,
		name, wkbGeom)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to store bound", err)
	}
	return &Bound{Name: name, Geometry: g}, nil
}

// Delete removes a bound by name.
func (r *Registry) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bounds WHERE name = $1`, name)
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to delete bound", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to confirm bound deletion", err)
	}
	if n == 0 {
		return errs.New(errs.NotFound, "bound not found")
	}
	return nil
}

// Stats returns per-geometry-type counts of live features intersecting the
// named bound.
func (r *Registry) Stats(ctx context.Context, name string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT GeometryType(g.geom), count(*)
		FROM geo g, bounds b
		WHERE b.name = $1
			AND g.deleted = false
			AND ST_Intersects(g.geom, b.geom)
		GROUP BY GeometryType(g.geom)`, name)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to compute bound stats", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typeName string
		var count int
		if err := rows.Scan(&typeName, &count); err != nil {
			return nil, errs.Wrap(errs.Internal, "failed to scan bound stats row", err)
		}
		out[typeName] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to compute bound stats", err)
	}
	if len(out) == 0 {
		if _, err := r.Get(ctx, name); err != nil {
			return nil, err
		}
	}
	return out, nil
}
