// Package mutation executes create/modify/delete/restore batches with
// version checks, key uniqueness, and id allocation, and produces a
// changeset that the delta journal persists and the tile engine uses to
// invalidate cached tiles.
package mutation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/feature"
	"github.com/pka/hecate/internal/geom"
)

// Invalidator is notified of the geographic bounding boxes touched by a
// commit (old and new extents of every mutated feature).
type Invalidator interface {
	Invalidate(bounds []orb.Bound)
}

// Entry is one (feature-id, old-version-or-null, new-version-or-null) tuple
// in a delta's ordered changeset.
type Entry struct {
	FeatureID  int64
	OldVersion *int64
	NewVersion *int64
}

// Result is the outcome of a successful mutate-one/mutate-many call.
type Result struct {
	DeltaID int64
	Entries []Entry
}

// Engine executes mutation batches against the write pool, one transaction
// per batch.
type Engine struct {
	db     *sql.DB
	schema *feature.Schema
	inval  Invalidator
	log    zerolog.Logger
}

// New builds a mutation Engine. schema and inval may be nil.
func New(db *sql.DB, schema *feature.Schema, inval Invalidator, log zerolog.Logger) *Engine {
	return &Engine{db: db, schema: schema, inval: inval, log: log}
}

// MutateOne executes a single-feature mutation.
func (e *Engine) MutateOne(ctx context.Context, rf feature.RawFeature, message string, author int64) (*Result, error) {
	return e.mutate(ctx, []feature.RawFeature{rf}, message, author)
}

// MutateMany executes a batch of heterogeneous mutations atomically.
func (e *Engine) MutateMany(ctx context.Context, rfs []feature.RawFeature, message string, author int64) (*Result, error) {
	return e.mutate(ctx, rfs, message, author)
}

func (e *Engine) mutate(ctx context.Context, rfs []feature.RawFeature, message string, author int64) (*Result, error) {
	mutations, err := feature.ValidateBatch(rfs, e.schema)
	if err != nil {
		return nil, err
	}
	for _, m := range mutations {
		if m.Force && !forceAllowed(m) {
			return nil, errs.New(errs.ActionPrecondition, "force is only permitted on create with a non-null key")
		}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var deltaID int64
	if err := tx.QueryRowContext(ctx, `SELECT nextval('delta_id_seq')`).Scan(&deltaID); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to allocate delta id", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deltas (id, author, message, created_at) VALUES ($1, $2, $3, now())`,
		deltaID, author, message,
	); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to insert delta", err)
	}

	entries := make([]Entry, 0, len(mutations))
	var touched []orb.Bound

	for _, m := range mutations {
		entry, bounds, err := e.applyOne(ctx, tx, deltaID, m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		touched = append(touched, bounds...)
	}

	for i, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delta_features (delta_id, seq, feature_id, old_version, new_version) VALUES ($1, $2, $3, $4, $5)`,
			deltaID, i, entry.FeatureID, entry.OldVersion, entry.NewVersion,
		); err != nil {
			return nil, errs.Wrap(errs.Internal, "failed to record delta changeset", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to commit mutation", err)
	}
	committed = true

	if e.inval != nil && len(touched) > 0 {
		e.inval.Invalidate(touched)
	}
	e.log.Info().Int64("delta_id", deltaID).Int("features", len(entries)).Msg("mutation committed")

	return &Result{DeltaID: deltaID, Entries: entries}, nil
}

func forceAllowed(m *feature.Mutation) bool {
	return m.Action == feature.ActionCreate && m.Key != nil && *m.Key != ""
}

// applyOne executes one feature's action within the batch's transaction,
// returning its changeset entry and the geographic bounds touched (old and
// new).
func (e *Engine) applyOne(ctx context.Context, tx *sql.Tx, deltaID int64, m *feature.Mutation) (Entry, []orb.Bound, error) {
	switch m.Action {
	case feature.ActionCreate:
		return e.applyCreate(ctx, tx, deltaID, m)
	case feature.ActionModify:
		return e.applyModify(ctx, tx, deltaID, m)
	case feature.ActionDelete:
		return e.applyDelete(ctx, tx, deltaID, m)
	case feature.ActionRestore:
		return e.applyRestore(ctx, tx, deltaID, m)
	default:
		return Entry{}, nil, errs.New(errs.MalformedInput, "unknown action")
	}
}

func (e *Engine) applyCreate(ctx context.Context, tx *sql.Tx, deltaID int64, m *feature.Mutation) (Entry, []orb.Bound, error) {
	wkbGeom, err := geom.EncodeWKB(m.Geometry)
	if err != nil {
		return Entry{}, nil, err
	}
	newBound := m.Geometry.Bound()

	if m.Force {
		var existingID, existingVersion int64
		var existingGeom []byte
		row := tx.QueryRowContext(ctx, `SELECT id, version, ST_AsBinary(geom) FROM geo WHERE key = $1 AND deleted = false FOR UPDATE`, *m.Key)
		err := row.Scan(&existingID, &existingVersion, &existingGeom)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// no existing feature for this key: behaves like a normal create.
		case err != nil:
			return Entry{}, nil, errs.Wrap(errs.Internal, "force-create lookup failed", err)
		default:
			newVersion := existingVersion + 1
			if _, err := tx.ExecContext(ctx,
				`UPDATE geo SET version = $2, geom = ST_SetSRID(ST_GeomFromWKB($3), 4326), properties = $4, deleted = false WHERE id = $1`,
				existingID, newVersion, wkbGeom, m.Properties,
			); err != nil {
				return Entry{}, nil, errs.Wrap(errs.Internal, "force-create overwrite failed", err)
			}
			if err := insertHistory(ctx, tx, existingID, newVersion, m.Key, wkbGeom, m.Properties, "create", deltaID); err != nil {
				return Entry{}, nil, err
			}
			touched := []orb.Bound{newBound}
			if existingGeom != nil {
				if oldGeom, err := geom.DecodeWKB(existingGeom); err == nil {
					touched = append(touched, oldGeom.Bound())
				}
			}
			oldV, newV := existingVersion, newVersion
			return Entry{FeatureID: existingID, OldVersion: &oldV, NewVersion: &newV}, touched, nil
		}
	}

	var newID int64
	if err := tx.QueryRowContext(ctx, `SELECT nextval('feature_id_seq')`).Scan(&newID); err != nil {
		return Entry{}, nil, errs.Wrap(errs.Internal, "failed to allocate feature id", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO geo (id, version, key, geom, properties, deleted) VALUES ($1, 1, $2, ST_SetSRID(ST_GeomFromWKB($3), 4326), $4, false)`,
		newID, m.Key, wkbGeom, m.Properties,
	)
	if isUniqueViolation(err) {
		return Entry{}, nil, errs.Wrap(errs.KeyConflict, fmt.Sprintf("key %q already in use", keyOrEmpty(m.Key)), err)
	}
	if err != nil {
		return Entry{}, nil, errs.Wrap(errs.Internal, "failed to insert feature", err)
	}
	if err := insertHistory(ctx, tx, newID, 1, m.Key, wkbGeom, m.Properties, "create", deltaID); err != nil {
		return Entry{}, nil, err
	}

	newVersion := int64(1)
	return Entry{FeatureID: newID, OldVersion: nil, NewVersion: &newVersion}, []orb.Bound{newBound}, nil
}

func (e *Engine) applyModify(ctx context.Context, tx *sql.Tx, deltaID int64, m *feature.Mutation) (Entry, []orb.Bound, error) {
	current, err := lockLive(ctx, tx, m.ID)
	if err != nil {
		return Entry{}, nil, err
	}
	if current.Deleted {
		return Entry{}, nil, errs.New(errs.ActionPrecondition,
			fmt.Sprintf("feature %d is deleted; a deleted feature may only be re-created via restore", m.ID))
	}
	if current.Version != m.Version {
		return Entry{}, nil, errs.New(errs.VersionMismatch,
			fmt.Sprintf("feature %d is at version %d, not %d", m.ID, current.Version, m.Version))
	}

	wkbGeom, err := geom.EncodeWKB(m.Geometry)
	if err != nil {
		return Entry{}, nil, err
	}
	newVersion := m.Version + 1

	_, err = tx.ExecContext(ctx,
		`UPDATE geo SET version = $2, key = $3, geom = ST_SetSRID(ST_GeomFromWKB($4), 4326), properties = $5, deleted = false WHERE id = $1`,
		m.ID, newVersion, m.Key, wkbGeom, m.Properties,
	)
	if isUniqueViolation(err) {
		return Entry{}, nil, errs.Wrap(errs.KeyConflict, fmt.Sprintf("key %q already in use", keyOrEmpty(m.Key)), err)
	}
	if err != nil {
		return Entry{}, nil, errs.Wrap(errs.Internal, "failed to update feature", err)
	}
	if err := insertHistory(ctx, tx, m.ID, newVersion, m.Key, wkbGeom, m.Properties, "modify", deltaID); err != nil {
		return Entry{}, nil, err
	}

	bounds := []orb.Bound{m.Geometry.Bound()}
	if current.Geom != nil {
		if oldGeom, err := geom.DecodeWKB(current.Geom); err == nil {
			bounds = append(bounds, oldGeom.Bound())
		}
	}

	oldV, newV := m.Version, newVersion
	return Entry{FeatureID: m.ID, OldVersion: &oldV, NewVersion: &newV}, bounds, nil
}

func (e *Engine) applyDelete(ctx context.Context, tx *sql.Tx, deltaID int64, m *feature.Mutation) (Entry, []orb.Bound, error) {
	current, err := lockLive(ctx, tx, m.ID)
	if err != nil {
		return Entry{}, nil, err
	}
	if current.Deleted {
		return Entry{}, nil, errs.New(errs.ActionPrecondition, fmt.Sprintf("feature %d is already deleted", m.ID))
	}
	if current.Version != m.Version {
		return Entry{}, nil, errs.New(errs.VersionMismatch,
			fmt.Sprintf("feature %d is at version %d, not %d", m.ID, current.Version, m.Version))
	}

	newVersion := m.Version + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE geo SET version = $2, geom = NULL, properties = NULL, deleted = true WHERE id = $1`,
		m.ID, newVersion,
	); err != nil {
		return Entry{}, nil, errs.Wrap(errs.Internal, "failed to delete feature", err)
	}
	if err := insertHistory(ctx, tx, m.ID, newVersion, current.Key, nil, nil, "delete", deltaID); err != nil {
		return Entry{}, nil, err
	}

	var bounds []orb.Bound
	if current.Geom != nil {
		if oldGeom, err := geom.DecodeWKB(current.Geom); err == nil {
			bounds = append(bounds, oldGeom.Bound())
		}
	}

	oldV, newV := m.Version, newVersion
	return Entry{FeatureID: m.ID, OldVersion: &oldV, NewVersion: &newV}, bounds, nil
}

func (e *Engine) applyRestore(ctx context.Context, tx *sql.Tx, deltaID int64, m *feature.Mutation) (Entry, []orb.Bound, error) {
	current, err := lockLive(ctx, tx, m.ID)
	if err != nil {
		return Entry{}, nil, err
	}
	if !current.Deleted {
		return Entry{}, nil, errs.New(errs.ActionPrecondition, fmt.Sprintf("feature %d is not deleted", m.ID))
	}
	if current.Version != m.Version {
		return Entry{}, nil, errs.New(errs.VersionMismatch,
			fmt.Sprintf("feature %d is at version %d, not %d", m.ID, current.Version, m.Version))
	}

	wkbGeom, err := geom.EncodeWKB(m.Geometry)
	if err != nil {
		return Entry{}, nil, err
	}
	newVersion := m.Version + 1

	if _, err := tx.ExecContext(ctx,
		`UPDATE geo SET version = $2, key = $3, geom = ST_SetSRID(ST_GeomFromWKB($4), 4326), properties = $5, deleted = false WHERE id = $1`,
		m.ID, newVersion, m.Key, wkbGeom, m.Properties,
	); err != nil {
		return Entry{}, nil, errs.Wrap(errs.Internal, "failed to restore feature", err)
	}
	if err := insertHistory(ctx, tx, m.ID, newVersion, m.Key, wkbGeom, m.Properties, "restore", deltaID); err != nil {
		return Entry{}, nil, err
	}

	oldV, newV := m.Version, newVersion
	return Entry{FeatureID: m.ID, OldVersion: &oldV, NewVersion: &newV}, []orb.Bound{m.Geometry.Bound()}, nil
}

// liveRow is the subset of a `geo` row the engine needs under a row lock.
type liveRow struct {
	Version int64
	Deleted bool
	Key     *string
	Geom    []byte
}

func lockLive(ctx context.Context, tx *sql.Tx, id int64) (liveRow, error) {
	var r liveRow
	var geomBin []byte
	row := tx.QueryRowContext(ctx,
		`SELECT version, deleted, key, ST_AsBinary(geom) FROM geo WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&r.Version, &r.Deleted, &r.Key, &geomBin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return liveRow{}, errs.New(errs.NotFound, fmt.Sprintf("feature %d not found", id))
		}
		return liveRow{}, errs.Wrap(errs.Internal, "failed to read feature", err)
	}
	r.Geom = geomBin
	return r, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, id, version int64, key *string, wkbGeom []byte, properties []byte, action string, deltaID int64) error {
	var geomArg interface{}
	if wkbGeom != nil {
		geomArg = wkbGeom
	}
	var propsArg interface{}
	if properties != nil {
		propsArg = properties
	}
	var err error
	if geomArg != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO geo_history (id, version, key, geom, properties, action, delta_id) VALUES ($1, $2, $3, ST_SetSRID(ST_GeomFromWKB($4), 4326), $5, $6, $7)`,
			id, version, key, geomArg, propsArg, action, deltaID)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO geo_history (id, version, key, geom, properties, action, delta_id) VALUES ($1, $2, $3, NULL, $4, $5, $6)`,
			id, version, key, propsArg, action, deltaID)
	}
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to append history", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func keyOrEmpty(k *string) string {
	if k == nil {
		return ""
	}
	return *k
}
