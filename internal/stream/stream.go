// Package stream implements the streaming read layer: clone,
// bbox/point/bounds queries, and sandboxed SQL, all emitted as
// newline-delimited GeoJSON terminated by a single 0x04 (EOT) byte on
// success. Absence of the terminator signals a truncated stream to the
// client.
package stream

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"

	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/geom"
)

// EOT is the single successful-stream terminator byte (ASCII EOT, 0x04).
const EOT = 0x04

// Reader runs the core's read-only streaming queries against whichever pool
// the caller hands it (replica pool for Clone/Bbox/Point/Bounds, sandbox
// pool for Query).
type Reader struct {
	db *sql.DB
}

// New builds a Reader over db.
func New(db *sql.DB) *Reader {
	return &Reader{db: db}
}

type featureJSON struct {
	Type       string          `json:"type"`
	ID         int64           `json:"id"`
	Version    int64           `json:"version"`
	Key        *string         `json:"key,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

// Clone streams every live feature, unbounded, ordered by id.
func (r *Reader) Clone(ctx context.Context, w io.Writer) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, version, key, ST_AsBinary(geom), properties FROM geo WHERE deleted = false ORDER BY id`)
	if err != nil {
		return errs.Wrap(errs.Internal, "clone query failed", err)
	}
	return streamRows(rows, w)
}

// Bbox streams live features whose geometry intersects bound.
func (r *Reader) Bbox(ctx context.Context, bound orb.Bound, w io.Writer) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version, key, ST_AsBinary(geom), properties FROM geo
		WHERE deleted = false AND ST_Intersects(geom, ST_MakeEnvelope($1, $2, $3, $4, 4326))`,
		bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1])
	if err != nil {
		return errs.Wrap(errs.Internal, "bbox query failed", err)
	}
	return streamRows(rows, w)
}

// Point streams live features whose geometry intersects pt.
func (r *Reader) Point(ctx context.Context, pt orb.Point, w io.Writer) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version, key, ST_AsBinary(geom), properties FROM geo
		WHERE deleted = false AND ST_Intersects(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))`,
		pt[0], pt[1])
	if err != nil {
		return errs.Wrap(errs.Internal, "point query failed", err)
	}
	return streamRows(rows, w)
}

// Polygon streams live features intersecting a named bound's geometry,
// given that geometry as WKB.
func (r *Reader) Polygon(ctx context.Context, boundWKB []byte, w io.Writer) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version, key, ST_AsBinary(geom), properties FROM geo
		WHERE deleted = false AND ST_Intersects(geom, ST_SetSRID(ST_GeomFromWKB($1), 4326))`,
		boundWKB)
	if err != nil {
		return errs.Wrap(errs.Internal, "bounds export query failed", err)
	}
	return streamRows(rows, w)
}

// streamRows writes one GeoJSON Feature line per row, flushing an EOT byte
// only if every row scanned and every write succeeded. It always closes
// rows, promptly releasing the connection on early return.
func streamRows(rows *sql.Rows, w io.Writer) error {
	defer rows.Close()
	bw := bufio.NewWriter(w)

	for rows.Next() {
		var id, version int64
		var key *string
		var geomBin []byte
		var properties []byte
		if err := rows.Scan(&id, &version, &key, &geomBin, &properties); err != nil {
			return errs.Wrap(errs.Internal, "failed to scan feature row", err)
		}
		line, err := encodeFeatureLine(id, version, key, geomBin, properties)
		if err != nil {
			return err
		}
		if _, err := bw.Write(line); err != nil {
			return errs.Wrap(errs.Internal, "failed to write stream", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errs.Wrap(errs.Internal, "failed to write stream", err)
		}
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.Internal, "feature stream aborted", err)
	}
	if err := bw.WriteByte(EOT); err != nil {
		return errs.Wrap(errs.Internal, "failed to write stream terminator", err)
	}
	return bw.Flush()
}

// Feature is a single fetched live feature.
type Feature struct {
	ID         int64           `json:"id"`
	Version    int64           `json:"version"`
	Key        *string         `json:"key,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

// HistoryEntry is one committed version of a feature's history.
type HistoryEntry struct {
	Version    int64           `json:"version"`
	Action     string          `json:"action"`
	DeltaID    int64           `json:"delta_id"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// GetByID fetches one live feature by id.
func (r *Reader) GetByID(ctx context.Context, id int64) (*Feature, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, version, key, ST_AsBinary(geom), properties FROM geo WHERE id = $1 AND deleted = false`, id)
	return scanFeature(row)
}

// GetByKey fetches one live feature by its unique key.
func (r *Reader) GetByKey(ctx context.Context, key string) (*Feature, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, version, key, ST_AsBinary(geom), properties FROM geo WHERE key = $1 AND deleted = false`, key)
	return scanFeature(row)
}

// GetByPoint fetches the first live feature whose geometry intersects pt.
func (r *Reader) GetByPoint(ctx context.Context, pt orb.Point) (*Feature, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, version, key, ST_AsBinary(geom), properties FROM geo
		WHERE deleted = false AND ST_Intersects(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		LIMIT 1`, pt[0], pt[1])
	return scanFeature(row)
}

func scanFeature(row *sql.Row) (*Feature, error) {
	var id, version int64
	var key *string
	var geomBin []byte
	var properties []byte
	if err := row.Scan(&id, &version, &key, &geomBin, &properties); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.NotFound, "feature not found")
		}
		return nil, errs.Wrap(errs.Internal, "failed to read feature", err)
	}
	g, err := geom.DecodeWKB(geomBin)
	if err != nil {
		return nil, err
	}
	gj, err := geom.EncodeGeoJSON(g)
	if err != nil {
		return nil, err
	}
	return &Feature{ID: id, Version: version, Key: key, Geometry: gj, Properties: properties}, nil
}

// History returns every committed version of feature id, oldest first.
func (r *Reader) History(ctx context.Context, id int64) ([]HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT version, action, delta_id, ST_AsBinary(geom), properties
		FROM geo_history WHERE id = $1 ORDER BY version ASC`, id)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to read feature history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var geomBin []byte
		var properties []byte
		if err := rows.Scan(&h.Version, &h.Action, &h.DeltaID, &geomBin, &properties); err != nil {
			return nil, errs.Wrap(errs.Internal, "failed to scan history row", err)
		}
		if geomBin != nil {
			g, err := geom.DecodeWKB(geomBin)
			if err != nil {
				return nil, err
			}
			gj, err := geom.EncodeGeoJSON(g)
			if err != nil {
				return nil, err
			}
			h.Geometry = gj
		}
		h.Properties = properties
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to read feature history", err)
	}
	if len(out) == 0 {
		return nil, errs.New(errs.NotFound, "feature not found")
	}
	return out, nil
}

func encodeFeatureLine(id, version int64, key *string, geomBin, properties []byte) ([]byte, error) {
	g, err := geom.DecodeWKB(geomBin)
	if err != nil {
		return nil, err
	}
	gj, err := geom.EncodeGeoJSON(g)
	if err != nil {
		return nil, err
	}
	f := featureJSON{
		Type:       "Feature",
		ID:         id,
		Version:    version,
		Key:        key,
		Geometry:   gj,
		Properties: properties,
	}
	return json.Marshal(f)
}
