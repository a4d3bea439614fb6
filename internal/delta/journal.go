// Package delta reads the journal of committed deltas: listing either by
// offset or by time range, and fetching one delta's full ordered changeset
// with the actual geometry/properties payload pulled from history.
package delta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/geom"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Summary is one row of a delta listing: everything but the changeset
// payload. Listings never carry geometry.
type Summary struct {
	ID           int64     `json:"id"`
	Author       int64     `json:"author"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
	FeatureCount int       `json:"feature_count"`
}

// FeatureChange is one changeset tuple, with its full payload populated only
// when fetched through Get.
type FeatureChange struct {
	FeatureID  int64           `json:"feature_id"`
	OldVersion *int64          `json:"old_version"`
	NewVersion *int64          `json:"new_version"`
	Action     string          `json:"action"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Delta is one committed changeset in full.
type Delta struct {
	Summary
	Features []FeatureChange `json:"features"`
}

// Journal reads deltas and their changesets from the write pool's tables.
// It performs no writes; the mutation engine owns those.
type Journal struct {
	db *sql.DB
}

// New builds a Journal reading from db.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// ListByOffset returns up to limit deltas (clamped to [1, 100], defaulting
// to 20) whose id is less than offset, ordered newest-first. offset <= 0
// means no id bound, the first page, since delta ids start at 1 and an
// id < 0 bound would always be empty.
func (j *Journal) ListByOffset(ctx context.Context, limit, offset int) ([]Summary, error) {
	limit = clampLimit(limit)
	rows, err := j.db.QueryContext(ctx, `
		SELECT d.id, d.author, d.message, d.created_at,
		       (SELECT count(*) FROM delta_features df WHERE df.delta_id = d.id)
		FROM deltas d
		WHERE $2 <= 0 OR d.id < $2
		ORDER BY d.id DESC
		LIMIT $1`, limit, offset)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to list deltas", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// ListByTimeRange returns up to limit deltas committed in [from, to],
// inclusive at both ends, newest-first.
func (j *Journal) ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]Summary, error) {
	limit = clampLimit(limit)
	rows, err := j.db.QueryContext(ctx, `
		SELECT d.id, d.author, d.message, d.created_at,
		       (SELECT count(*) FROM delta_features df WHERE df.delta_id = d.id)
		FROM deltas d
		WHERE d.created_at >= $1 AND d.created_at <= $2
		ORDER BY d.id DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to list deltas", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	out := make([]Summary, 0)
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Author, &s.Message, &s.CreatedAt, &s.FeatureCount); err != nil {
			return nil, errs.Wrap(errs.Internal, "failed to scan delta row", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to list deltas", err)
	}
	return out, nil
}

// Get returns one delta's full changeset, including the geometry/properties
// payload of each feature at the version the delta produced.
func (j *Journal) Get(ctx context.Context, id int64) (*Delta, error) {
	var d Delta
	row := j.db.QueryRowContext(ctx, `SELECT id, author, message, created_at FROM deltas WHERE id = $1`, id)
	if err := row.Scan(&d.ID, &d.Author, &d.Message, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.NotFound, "delta not found")
		}
		return nil, errs.Wrap(errs.Internal, "failed to read delta", err)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT feature_id, old_version, new_version
		FROM delta_features
		WHERE delta_id = $1
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to read delta changeset", err)
	}
	defer rows.Close()

	var changes []FeatureChange
	for rows.Next() {
		var c FeatureChange
		if err := rows.Scan(&c.FeatureID, &c.OldVersion, &c.NewVersion); err != nil {
			return nil, errs.Wrap(errs.Internal, "failed to scan delta changeset row", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to read delta changeset", err)
	}

	for i := range changes {
		if err := j.fillPayload(ctx, &changes[i]); err != nil {
			return nil, err
		}
	}
	d.Features = changes
	d.FeatureCount = len(changes)
	return &d, nil
}

// fillPayload reads the history row a changeset tuple produced so Get can
// return the actual geometry/properties, not just the version numbers.
func (j *Journal) fillPayload(ctx context.Context, c *FeatureChange) error {
	if c.NewVersion == nil {
		return nil
	}
	var geomBin []byte
	var properties []byte
	row := j.db.QueryRowContext(ctx, `
		SELECT action, ST_AsBinary(geom), properties
		FROM geo_history
		WHERE id = $1 AND version = $2`, c.FeatureID, *c.NewVersion)
	if err := row.Scan(&c.Action, &geomBin, &properties); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errs.New(errs.NotFound, "delta history row not found")
		}
		return errs.Wrap(errs.Internal, "failed to read delta history", err)
	}
	c.Properties = properties
	if geomBin != nil {
		g, err := geom.DecodeWKB(geomBin)
		if err != nil {
			return err
		}
		gj, err := geom.EncodeGeoJSON(g)
		if err != nil {
			return err
		}
		c.Geometry = gj
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
