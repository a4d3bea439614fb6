package stream

import (
	"bytes"
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/paulmach/orb"

	"github.com/pka/hecate/internal/errs"
	"github.com/pka/hecate/internal/geom"
)

func TestReader_Clone_EmitsEOT(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	wkbA, _ := geom.EncodeWKB(orb.Point{1, 2})
	wkbB, _ := geom.EncodeWKB(orb.Point{3, 4})
	mock.ExpectQuery(`SELECT id, version, key, ST_AsBinary\(geom\), properties FROM geo`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "key", "geom", "properties"}).
			AddRow(int64(1), int64(1), nil, wkbA, []byte(`{}`)).
			AddRow(int64(2), int64(1), nil, wkbB, []byte(`{}`)))

	var buf bytes.Buffer
	r := New(db)
	if err := r.Clone(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.Bytes()
	if out[len(out)-1] != EOT {
		t.Fatal("expected stream to end with EOT")
	}
	if bytes.IndexByte(out[:len(out)-1], EOT) != -1 {
		t.Fatal("EOT must not appear before the final byte")
	}
	lines := bytes.Count(out, []byte("\n"))
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestReader_GetByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, version, key, ST_AsBinary\(geom\), properties FROM geo WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "key", "geom", "properties"}))

	r := New(db)
	_, err = r.GetByID(context.Background(), 99)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestReader_History_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT version, action, delta_id, ST_AsBinary\(geom\), properties FROM geo_history`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "action", "delta_id", "geom", "properties"}))

	r := New(db)
	_, err = r.History(context.Background(), 1)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("got %v, want not-found", err)
	}
}

func TestValidateSandboxSQL(t *testing.T) {
	cases := []struct {
		query string
		ok    bool
	}{
		{"SELECT * FROM geo", true},
		{"select id, properties from geo where deleted = false", true},
		{"DELETE FROM geo", false},
		{"SELECT * FROM geo; DROP TABLE geo", false},
		{"SELECT * FROM users", false},
		{"SELECT * FROM geo JOIN users ON true", false},
		{"SELECT * FROM geo, users", false},
		{"SELECT * FROM geo, geo AS g2", true},
		{"SELECT * FROM geo g JOIN geo g2 ON g.id = g2.id", true},
		{"", false},
	}
	for _, c := range cases {
		err := validateSandboxSQL(c.query)
		if c.ok && err != nil {
			t.Errorf("query %q: expected ok, got %v", c.query, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("query %q: expected sandbox-violation, got nil", c.query)
			} else if !errs.Is(err, errs.SandboxViolation) {
				t.Errorf("query %q: got %v, want sandbox-violation", c.query, err)
			}
		}
	}
}
