package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pka/hecate/internal/dbpool"
)

func newTestServer(t *testing.T) (*echo.Echo, func()) {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	pool := dbpool.New(db, nil, nil)
	e := New(Deps{Pool: pool, Log: zerolog.Nop()})
	return e, func() { db.Close() }
}

func do(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// TestGetFeatures_MalformedBBox_RejectsBeforeCommitting guards against the
// regression where the 200 response header was written before bbox/point
// parsing, so a malformed-input rejection was silently swallowed by the
// "already committed" branch of errorHandler instead of reaching the client
// as a 400.
func TestGetFeatures_MalformedBBox_RejectsBeforeCommitting(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	rec := do(s, http.MethodGet, "/api/data/features?bbox=not-a-bbox")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400; body=%q", rec.Code, rec.Body.String())
	}
}

func TestGetFeatures_NoParams_RejectsBeforeCommitting(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	rec := do(s, http.MethodGet, "/api/data/features")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400; body=%q", rec.Code, rec.Body.String())
	}
}

// TestSandboxQuery_RejectsWriteBeforeCommitting: a non-SELECT sandboxed
// query must fail with sandbox-violation (400), not a 200 whose body is
// then dropped because the header was already on the wire when
// validateSandboxSQL ran.
func TestSandboxQuery_RejectsWriteBeforeCommitting(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	rec := do(s, http.MethodGet, "/api/data/query?query=DELETE+FROM+geo")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400; body=%q", rec.Code, rec.Body.String())
	}
}

func TestSandboxQuery_RejectsCommaJoinedTable(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	rec := do(s, http.MethodGet, "/api/data/query?query=SELECT+*+FROM+geo,+users")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400; body=%q", rec.Code, rec.Body.String())
	}
}
