//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeScript(t *testing.T, m *Manager, name, code string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(m.Dir(), name), []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)
	writeScript(t, m, "night.lua", "log('night')\n")
	writeScript(t, m, "away.lua", `-- {"name": "Away mode", "enabled": false}`+"\nlog('away')\n")
	writeScript(t, m, "notes.txt", "not a script")
	if err := os.Mkdir(filepath.Join(m.Dir(), "sub.lua"), 0o755); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 2 {
		t.Fatalf("list count = %d, want 2", len(scripts))
	}

	away, night := scripts[0], scripts[1]
	if away.ID != "away" || night.ID != "night" {
		t.Fatalf("ids = %s, %s", away.ID, night.ID)
	}
	if away.Meta.Name != "Away mode" || away.Meta.Enabled {
		t.Errorf("away meta = %+v", away.Meta)
	}
	if night.Meta.Name != "night" || !night.Meta.Enabled {
		t.Errorf("night meta = %+v, want defaults", night.Meta)
	}
	if night.Code != "log('night')\n" {
		t.Errorf("code = %q", night.Code)
	}
}

func TestManagerBadMetadataKeepsDefaults(t *testing.T) {
	m := newTestManager(t)
	writeScript(t, m, "x.lua", "-- {broken\nlog(1)\n")

	s, err := m.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Meta.Enabled || s.Meta.Name != "x" {
		t.Errorf("meta = %+v", s.Meta)
	}
}

func TestManagerGet(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("missing"); err == nil {
		t.Error("expected error for missing script")
	}
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "x..y"} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) should fail", id)
		}
	}
}
