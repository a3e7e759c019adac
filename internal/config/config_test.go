package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := DefaultConfig()
	if !reflect.DeepEqual(cfg, def) {
		t.Errorf("got %+v, want defaults", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqlapis.yaml")
	content := `
backend_url: http://backend:9000
port: 9999
organisms:
  - ebola-sudan
  - west-nile
query:
  strict_literals: true
store:
  inline_set_limit: 500
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BackendURL != "http://backend:9000" || cfg.Port != 9999 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Organisms, []string{"ebola-sudan", "west-nile"}) {
		t.Errorf("organisms = %v", cfg.Organisms)
	}
	if !cfg.Query.StrictLiterals {
		t.Error("strict_literals not applied")
	}
	if cfg.Store.InlineSetLimit != 500 {
		t.Errorf("inline_set_limit = %d", cfg.Store.InlineSetLimit)
	}
	// Untouched keys keep their defaults.
	if cfg.DataDir != "./data" {
		t.Errorf("data_dir = %q, want default", cfg.DataDir)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("backend_url: [unclosed"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOrganismList(t *testing.T) {
	cfg := &Config{Organisms: []string{"from-config"}}

	if got := cfg.OrganismList(""); !reflect.DeepEqual(got, []string{"from-config"}) {
		t.Errorf("got %v", got)
	}
	if got := cfg.OrganismList("a, b ,c"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("got %v", got)
	}
}
