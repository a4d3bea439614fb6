package dbpool

import (
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
)

// sql.Open never dials the network; it just validates the driver name and
// lazily prepares the pool, so these tests exercise round-robin selection
// without a live Postgres instance.
func fakeDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", "dbname="+name)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestManager_SandboxRoundRobin(t *testing.T) {
	m := &Manager{
		sandboxes: []*sql.DB{fakeDB(t, "a"), fakeDB(t, "b"), fakeDB(t, "c")},
	}
	got := []*sql.DB{m.Sandbox(), m.Sandbox(), m.Sandbox(), m.Sandbox()}
	want := []*sql.DB{m.sandboxes[0], m.sandboxes[1], m.sandboxes[2], m.sandboxes[0]}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("call %d: got pool %p, want %p", i, got[i], want[i])
		}
	}
}

func TestManager_ReplicaFallsBackToWrite(t *testing.T) {
	write := fakeDB(t, "write")
	m := &Manager{write: write}
	if got := m.Replica(); got != write {
		t.Fatalf("expected replica to fall back to write pool when none configured")
	}
}

func TestManager_ReplicaRoundRobinWhenConfigured(t *testing.T) {
	m := &Manager{
		write:    fakeDB(t, "write"),
		replicas: []*sql.DB{fakeDB(t, "r1"), fakeDB(t, "r2")},
	}
	first := m.Replica()
	second := m.Replica()
	third := m.Replica()
	if first == second {
		t.Fatal("expected round robin to alternate replicas")
	}
	if first != third {
		t.Fatal("expected round robin to cycle back to the first replica")
	}
}
