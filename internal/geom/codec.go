// Package geom converts between GeoJSON geometries and the spatial
// database's binary form and validates that only the supported GeoJSON
// types are used. GeometryCollection is rejected with a distinct error.
package geom

import (
	"encoding/binary"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/pka/hecate/internal/errs"
)

// SupportedTypes enumerates the six GeoJSON geometry types the core accepts.
var SupportedTypes = map[string]bool{
	"Point":           true,
	"MultiPoint":      true,
	"LineString":      true,
	"MultiLineString": true,
	"Polygon":         true,
	"MultiPolygon":    true,
}

// GeometryCollectionType is rejected with unsupported-geometry, distinctly
// named so callers can tell "bad type" apart from "GeometryCollection".
const GeometryCollectionType = "GeometryCollection"

const SRID = 4326

// DecodeGeoJSON parses a raw GeoJSON geometry object (as produced by
// encoding/json from a Feature's "geometry" member) into an orb.Geometry,
// rejecting unsupported types.
func DecodeGeoJSON(raw []byte) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedInput, "invalid geometry JSON", err)
	}
	if err := validateType(g.Geometry()); err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}

// validateType rejects geometry types the core does not support. Coordinate
// order and ring orientation are passed through untouched by construction:
// orb.Geometry preserves the ring/point order it was decoded with, and
// nothing downstream rewinds polygons.
func validateType(g orb.Geometry) error {
	switch g.(type) {
	case orb.Point, orb.MultiPoint, orb.LineString, orb.MultiLineString, orb.Polygon, orb.MultiPolygon:
		return nil
	case orb.Collection:
		return errs.New(errs.UnsupportedGeometry, "GeometryCollection is not supported")
	default:
		return errs.New(errs.UnsupportedGeometry, fmt.Sprintf("unsupported geometry type %T", g))
	}
}

// EncodeWKB renders a geometry as WKB bytes suitable for binding into
// ST_GeomFromWKB($n, 4326), preserving coordinate precision exactly.
func EncodeWKB(g orb.Geometry) ([]byte, error) {
	if err := validateType(g); err != nil {
		return nil, err
	}
	return wkb.Marshal(g, binary.LittleEndian)
}

// DecodeWKB parses WKB bytes read back from the database (via
// ST_AsBinary(geom)) into an orb.Geometry.
func DecodeWKB(data []byte) (orb.Geometry, error) {
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to decode geometry from storage", err)
	}
	return g, nil
}

// EncodeGeoJSON renders a geometry back to a raw GeoJSON geometry object for
// API responses.
func EncodeGeoJSON(g orb.Geometry) ([]byte, error) {
	return geojson.NewGeometry(g).MarshalJSON()
}

// TypeName returns the GeoJSON type name of g ("Point", "Polygon", ...).
func TypeName(g orb.Geometry) string {
	return geojson.NewGeometry(g).Type
}

