package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/willothy/recomp/internal/logger"
	"gopkg.in/yaml.v3"
)

// ClearColor is the background the composed frame is cleared to before any
// window is drawn. Channels are in [0.0, 1.0].
type ClearColor struct {
	R float64 `json:"r" yaml:"r"`
	G float64 `json:"g" yaml:"g"`
	B float64 `json:"b" yaml:"b"`
	A float64 `json:"a" yaml:"a"`
}

// OpacityRule forces an opacity on every window whose WM_CLASS matches.
// A window's _NET_WM_WINDOW_OPACITY property still takes precedence.
type OpacityRule struct {
	Class   string  `json:"class" yaml:"class"`
	Opacity float64 `json:"opacity" yaml:"opacity"`
}

// HTTPConfig controls the optional debug HTTP server.
type HTTPConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

// Config is the compositor configuration.
type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Outputs lists the RandR output names to composite. Empty means all
	// connected outputs.
	Outputs []string `json:"outputs" yaml:"outputs"`

	// DamageCoalesceCap is the number of damage rectangles kept per surface
	// before the set degrades to its bounding box.
	DamageCoalesceCap int `json:"damage_coalesce_cap" yaml:"damage_coalesce_cap"`

	// ImportTimeoutMs bounds the wait for a window's pixel readout during
	// texture import. A timed-out surface is skipped for the frame and
	// retried on the next one.
	ImportTimeoutMs int `json:"import_timeout_ms" yaml:"import_timeout_ms"`

	// ImportWorkers sizes the texture import worker pool.
	ImportWorkers int `json:"import_workers" yaml:"import_workers"`

	// RetainUnmapped keeps the textures of unmapped (but not destroyed)
	// windows for instant remap instead of evicting them.
	RetainUnmapped bool `json:"retain_unmapped" yaml:"retain_unmapped"`

	// RefreshFallbackHz paces outputs whose refresh rate RandR cannot report.
	RefreshFallbackHz int `json:"refresh_fallback_hz" yaml:"refresh_fallback_hz"`

	ClearColor   ClearColor    `json:"clear_color" yaml:"clear_color"`
	HUD          bool          `json:"hud" yaml:"hud"`
	OpacityRules []OpacityRule `json:"opacity_rules" yaml:"opacity_rules"`
	HTTP         HTTPConfig    `json:"http" yaml:"http"`
}

// ImportTimeout returns ImportTimeoutMs as a duration.
func (c *Config) ImportTimeout() time.Duration {
	return time.Duration(c.ImportTimeoutMs) * time.Millisecond
}

// Manager handles configuration persistence and concurrent access.
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a configuration manager. An empty configFile selects
// $HOME/.config/recomp/config.yaml; a missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		actualConfigPath = filepath.Join(homeDir, ".config", "recomp", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{configPath: actualConfigPath}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("log_level", m.config.LogLevel).
		Int("opacity_rules", len(m.config.OpacityRules)).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		LogLevel:          "info",
		Outputs:           []string{},
		DamageCoalesceCap: 16,
		ImportTimeoutMs:   250,
		ImportWorkers:     4,
		RetainUnmapped:    true,
		RefreshFallbackHz: 60,
		ClearColor:        ClearColor{R: 0.1, G: 0.2, B: 0.5, A: 1.0},
		OpacityRules:      []OpacityRule{},
		HTTP: HTTPConfig{
			Enabled: false,
			Port:    8080,
		},
	}
}

// load reads the configuration from disk.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// Backfill values a hand-written file may omit.
	if cfg.Outputs == nil {
		cfg.Outputs = []string{}
	}
	if cfg.OpacityRules == nil {
		cfg.OpacityRules = []OpacityRule{}
	}
	if cfg.DamageCoalesceCap <= 0 {
		cfg.DamageCoalesceCap = 16
	}
	if cfg.ImportTimeoutMs <= 0 {
		cfg.ImportTimeoutMs = 250
	}
	if cfg.ImportWorkers <= 0 {
		cfg.ImportWorkers = 4
	}
	if cfg.RefreshFallbackHz <= 0 {
		cfg.RefreshFallbackHz = 60
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}

	cfg := *m.config
	cfg.Outputs = append([]string(nil), m.config.Outputs...)
	cfg.OpacityRules = append([]OpacityRule(nil), m.config.OpacityRules...)
	return &cfg
}

// Save writes the current configuration to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// SetLogLevel sets the log level.
func (m *Manager) SetLogLevel(level string) error {
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetLogLevel gets the log level.
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// SetHTTPPort sets the debug server port.
func (m *Manager) SetHTTPPort(port int) error {
	m.mu.Lock()
	m.config.HTTP.Port = port
	m.mu.Unlock()
	return m.Save()
}

// SetHUD toggles the frame statistics overlay.
func (m *Manager) SetHUD(enabled bool) error {
	m.mu.Lock()
	m.config.HUD = enabled
	m.mu.Unlock()
	return m.Save()
}

// SetOpacityRule adds or replaces the opacity rule for a window class.
// Class matching is case-insensitive.
func (m *Manager) SetOpacityRule(class string, opacity float64) error {
	normalized := strings.ToLower(class)
	if normalized == "" {
		return fmt.Errorf("window class is required")
	}
	if opacity < 0.0 || opacity > 1.0 {
		return fmt.Errorf("opacity must be within [0.0, 1.0], got %v", opacity)
	}

	m.mu.Lock()
	replaced := false
	for i := range m.config.OpacityRules {
		if m.config.OpacityRules[i].Class == normalized {
			m.config.OpacityRules[i].Opacity = opacity
			replaced = true
			break
		}
	}
	if !replaced {
		m.config.OpacityRules = append(m.config.OpacityRules, OpacityRule{
			Class:   normalized,
			Opacity: opacity,
		})
	}
	total := len(m.config.OpacityRules)
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		return err
	}

	logger.WithComponent("config").Info().
		Str("class", normalized).
		Float64("opacity", opacity).
		Int("total_rules", total).
		Msg("Opacity rule set")
	return nil
}

// RemoveOpacityRule removes the opacity rule for a window class.
func (m *Manager) RemoveOpacityRule(class string) error {
	normalized := strings.ToLower(class)

	m.mu.Lock()
	filtered := make([]OpacityRule, 0, len(m.config.OpacityRules))
	for _, rule := range m.config.OpacityRules {
		if rule.Class != normalized {
			filtered = append(filtered, rule)
		}
	}
	m.config.OpacityRules = filtered
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		return err
	}

	logger.WithComponent("config").Info().
		Str("class", normalized).
		Msg("Opacity rule removed")
	return nil
}

// OpacityFor looks up the configured opacity for a window class.
func (m *Manager) OpacityFor(class string) (float64, bool) {
	normalized := strings.ToLower(class)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rule := range m.config.OpacityRules {
		if rule.Class == normalized {
			return rule.Opacity, true
		}
	}
	return 1.0, false
}

// ListOpacityRules returns all opacity rules.
func (m *Manager) ListOpacityRules() []OpacityRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]OpacityRule, len(m.config.OpacityRules))
	copy(rules, m.config.OpacityRules)
	return rules
}

// GetConfigPath returns the path to the config file.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
