package mutation

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/feature"
)

type fakeInvalidator struct {
	calls [][]orb.Bound
}

func (f *fakeInvalidator) Invalidate(bounds []orb.Bound) {
	f.calls = append(f.calls, bounds)
}

func TestEngine_MutateOne_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('delta_id_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO deltas`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT nextval\('feature_id_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(42)))
	mock.ExpectExec(`INSERT INTO geo`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO geo_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO delta_features`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inval := &fakeInvalidator{}
	e := New(db, nil, inval, zerolog.Nop())

	rf := feature.RawFeature{
		Type:       "Feature",
		Action:     feature.ActionCreate,
		Geometry:   []byte(`{"type":"Point","coordinates":[1,2]}`),
		Properties: []byte(`{"name":"a"}`),
	}
	res, err := e.MutateOne(context.Background(), rf, "add a point", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DeltaID != 1 {
		t.Fatalf("got delta id %d, want 1", res.DeltaID)
	}
	if len(res.Entries) != 1 || res.Entries[0].FeatureID != 42 {
		t.Fatalf("unexpected entries: %+v", res.Entries)
	}
	if res.Entries[0].OldVersion != nil {
		t.Fatalf("create should have nil old version")
	}
	if *res.Entries[0].NewVersion != 1 {
		t.Fatalf("got new version %d, want 1", *res.Entries[0].NewVersion)
	}
	if len(inval.calls) != 1 {
		t.Fatalf("expected one invalidation call, got %d", len(inval.calls))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEngine_MutateOne_ModifyVersionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('delta_id_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(2)))
	mock.ExpectExec(`INSERT INTO deltas`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT version, deleted, key, ST_AsBinary\(geom\) FROM geo`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "deleted", "key", "st_asbinary"}).
			AddRow(int64(3), false, nil, nil))
	mock.ExpectRollback()

	id := int64(7)
	version := int64(1)
	e := New(db, nil, nil, zerolog.Nop())
	rf := feature.RawFeature{
		Type:       "Feature",
		Action:     feature.ActionModify,
		ID:         &id,
		Version:    &version,
		Geometry:   []byte(`{"type":"Point","coordinates":[1,2]}`),
		Properties: []byte(`{"name":"a"}`),
	}
	_, err = e.MutateOne(context.Background(), rf, "bump", 1)
	if !errs.Is(err, errs.VersionMismatch) {
		t.Fatalf("got %v, want version-mismatch", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEngine_MutateOne_ModifyDeletedFeature(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('delta_id_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(4)))
	mock.ExpectExec(`INSERT INTO deltas`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT version, deleted, key, ST_AsBinary\(geom\) FROM geo`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "deleted", "key", "st_asbinary"}).
			AddRow(int64(2), true, nil, nil))
	mock.ExpectRollback()

	id := int64(7)
	version := int64(2)
	e := New(db, nil, nil, zerolog.Nop())
	rf := feature.RawFeature{
		Type:       "Feature",
		Action:     feature.ActionModify,
		ID:         &id,
		Version:    &version,
		Geometry:   []byte(`{"type":"Point","coordinates":[1,2]}`),
		Properties: []byte(`{"name":"a"}`),
	}
	_, err = e.MutateOne(context.Background(), rf, "resurrect", 1)
	if !errs.Is(err, errs.ActionPrecondition) {
		t.Fatalf("got %v, want action-precondition", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEngine_MutateOne_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('delta_id_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(3)))
	mock.ExpectExec(`INSERT INTO deltas`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT version, deleted, key, ST_AsBinary\(geom\) FROM geo`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "deleted", "key", "st_asbinary"}).
			AddRow(int64(1), false, nil, []byte{0x01}))
	mock.ExpectExec(`UPDATE geo SET version`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO geo_history`).
		WithArgs(int64(7), int64(2), nil, nil, "delete", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO delta_features`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id := int64(7)
	version := int64(1)
	e := New(db, nil, nil, zerolog.Nop())
	rf := feature.RawFeature{
		Type:    "Feature",
		Action:  feature.ActionDelete,
		ID:      &id,
		Version: &version,
	}
	res, err := e.MutateOne(context.Background(), rf, "remove", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Entries) != 1 || *res.Entries[0].NewVersion != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEngine_MutateMany_AbortsOnBadFeatureWithoutOpeningTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	e := New(db, nil, nil, zerolog.Nop())
	rfs := []feature.RawFeature{
		{Type: "Feature", Action: feature.ActionCreate, Geometry: []byte(`{"type":"Point","coordinates":[0,0]}`), Properties: []byte(`{}`)},
		{Type: "Feature", Action: feature.ActionCreate}, // missing geometry/properties
	}
	_, err = e.MutateMany(context.Background(), rfs, "batch", 1)
	if !errs.Is(err, errs.ActionPrecondition) {
		t.Fatalf("got %v, want action-precondition", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestForceAllowed(t *testing.T) {
	key := "trail-1"
	m := &feature.Mutation{Action: feature.ActionCreate, Key: &key}
	if !forceAllowed(m) {
		t.Fatal("expected force to be allowed on create with a key")
	}
	m2 := &feature.Mutation{Action: feature.ActionModify, Key: &key}
	if forceAllowed(m2) {
		t.Fatal("expected force to be disallowed on modify")
	}
}
