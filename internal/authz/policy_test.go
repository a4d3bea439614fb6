package authz

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_EmptyPathDeniesAdmin(t *testing.T) {
	p, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if p.IsAdmin(1) {
		t.Fatal("expected no admins with an empty policy path")
	}
}

func TestLoad_GrantsAdmin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	if err := os.WriteFile(path, []byte(`{"users":[{"id":1,"role":"admin"},{"id":2,"role":"viewer"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsAdmin(1) {
		t.Fatal("expected user 1 to be admin")
	}
	if p.IsAdmin(2) {
		t.Fatal("expected user 2 to not be admin")
	}
	if p.IsAdmin(99) {
		t.Fatal("expected unknown user to not be admin")
	}
}

func TestLoad_RejectsInvalidRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	if err := os.WriteFile(path, []byte(`{"users":[{"id":1,"role":"superuser"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid role")
	}
}
