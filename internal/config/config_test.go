package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DamageCoalesceCap != 16 {
		t.Errorf("DamageCoalesceCap = %d, want 16", cfg.DamageCoalesceCap)
	}
	if !cfg.RetainUnmapped {
		t.Error("RetainUnmapped = false, want true")
	}
	if got := cfg.ImportTimeout(); got != 250*time.Millisecond {
		t.Errorf("ImportTimeout() = %v, want 250ms", got)
	}
	if cfg.ClearColor.B != 0.5 {
		t.Errorf("ClearColor.B = %v, want 0.5", cfg.ClearColor.B)
	}
}

func TestNewManagerCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not created: %v", err)
	}

	cfg := m.Get()
	if cfg.ImportWorkers != 4 {
		t.Errorf("ImportWorkers = %d, want 4", cfg.ImportWorkers)
	}
}

func TestLoadBackfillsPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "log_level: debug\nhttp:\n  enabled: true\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := m.Get()
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if !cfg.HTTP.Enabled {
		t.Error("HTTP.Enabled = false, want true")
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want backfilled 8080", cfg.HTTP.Port)
	}
	if cfg.DamageCoalesceCap != 16 {
		t.Errorf("DamageCoalesceCap = %d, want backfilled 16", cfg.DamageCoalesceCap)
	}
	if cfg.OpacityRules == nil {
		t.Error("OpacityRules is nil, want empty slice")
	}
}

func TestOpacityRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.SetOpacityRule("Alacritty", 0.9); err != nil {
		t.Fatalf("SetOpacityRule: %v", err)
	}

	// Lookup is case-insensitive and the stored class is normalized.
	if op, ok := m.OpacityFor("alacritty"); !ok || op != 0.9 {
		t.Errorf("OpacityFor(alacritty) = (%v, %v), want (0.9, true)", op, ok)
	}
	if op, ok := m.OpacityFor("ALACRITTY"); !ok || op != 0.9 {
		t.Errorf("OpacityFor(ALACRITTY) = (%v, %v), want (0.9, true)", op, ok)
	}

	// Setting again replaces rather than duplicates.
	if err := m.SetOpacityRule("alacritty", 0.7); err != nil {
		t.Fatalf("SetOpacityRule (replace): %v", err)
	}
	if rules := m.ListOpacityRules(); len(rules) != 1 {
		t.Fatalf("rule count = %d, want 1", len(rules))
	}
	if op, _ := m.OpacityFor("alacritty"); op != 0.7 {
		t.Errorf("OpacityFor after replace = %v, want 0.7", op)
	}

	// Rules survive a reload.
	m2, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager (reload): %v", err)
	}
	if op, ok := m2.OpacityFor("alacritty"); !ok || op != 0.7 {
		t.Errorf("OpacityFor after reload = (%v, %v), want (0.7, true)", op, ok)
	}

	if err := m2.RemoveOpacityRule("alacritty"); err != nil {
		t.Fatalf("RemoveOpacityRule: %v", err)
	}
	if _, ok := m2.OpacityFor("alacritty"); ok {
		t.Error("rule still present after removal")
	}
}

func TestSetOpacityRuleValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cases := []struct {
		name    string
		class   string
		opacity float64
	}{
		{"empty class", "", 0.5},
		{"opacity below range", "foo", -0.1},
		{"opacity above range", "foo", 1.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := m.SetOpacityRule(tc.class, tc.opacity); err == nil {
				t.Errorf("SetOpacityRule(%q, %v) succeeded, want error", tc.class, tc.opacity)
			}
		})
	}
}
