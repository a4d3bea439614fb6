package delta

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/geom"
)

func pointWKB(t *testing.T) []byte {
	t.Helper()
	data, err := geom.EncodeWKB(orb.Point{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 20, -5: 20, 10: 10, 100: 100, 500: 100}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestJournal_ListByOffset_FirstPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT d.id, d.author, d.message, d.created_at`).
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author", "message", "created_at", "count"}).
			AddRow(int64(2), int64(1), "second", now, 3).
			AddRow(int64(1), int64(1), "first", now, 1))

	j := New(db)
	out, err := j.ListByOffset(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].ID != 2 || out[0].FeatureCount != 3 {
		t.Fatalf("unexpected rows: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestJournal_ListByOffset_IDCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT d.id, d.author, d.message, d.created_at`).
		WithArgs(20, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author", "message", "created_at", "count"}).
			AddRow(int64(2), int64(1), "second", now, 3).
			AddRow(int64(1), int64(1), "first", now, 1))

	j := New(db)
	out, err := j.ListByOffset(context.Background(), 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].ID != 2 {
		t.Fatalf("unexpected rows: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestJournal_ListByTimeRange_PassesInclusiveBoundsAndLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	from := time.Unix(1700000000, 0).UTC()
	to := from.Add(time.Hour)
	mock.ExpectQuery(`SELECT d.id, d.author, d.message, d.created_at`).
		WithArgs(from, to, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author", "message", "created_at", "count"}).
			AddRow(int64(4), int64(1), "in range", from.Add(time.Minute), 2))

	j := New(db)
	out, err := j.ListByTimeRange(context.Background(), from, to, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != 4 {
		t.Fatalf("unexpected rows: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestJournal_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, author, message, created_at FROM deltas`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	j := New(db)
	_, err = j.Get(context.Background(), 99)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestJournal_Get_PopulatesPayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT id, author, message, created_at FROM deltas`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author", "message", "created_at"}).
			AddRow(int64(5), int64(1), "add a point", now))
	mock.ExpectQuery(`SELECT feature_id, old_version, new_version`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"feature_id", "old_version", "new_version"}).
			AddRow(int64(42), nil, int64(1)))
	mock.ExpectQuery(`SELECT action, ST_AsBinary\(geom\), properties FROM geo_history`).
		WithArgs(int64(42), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"action", "geom", "properties"}).
			AddRow("create", pointWKB(t), []byte(`{"name":"a"}`)))

	j := New(db)
	d, err := j.Get(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Features) != 1 {
		t.Fatalf("expected one feature, got %d", len(d.Features))
	}
	if d.Features[0].Action != "create" {
		t.Fatalf("got action %q, want create", d.Features[0].Action)
	}
	if len(d.Features[0].Geometry) == 0 {
		t.Fatal("expected geometry payload to be populated")
	}
}
