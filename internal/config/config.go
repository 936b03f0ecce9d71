// Package config loads crabcity's operator-facing settings: a
// user-level file, an optional per-project override, and environment
// variables that take precedence over both.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every operator-tunable knob. The CRAB_CITY_* environment
// variables override every field except BindAddr, FederationAddr and
// RelayHint, which come from the config files only.
type Config struct {
	MaxBufferMB        int    `json:"max_buffer_mb,omitempty" yaml:"max_buffer_mb,omitempty"`
	MaxHistoryKB       int    `json:"max_history_kb,omitempty" yaml:"max_history_kb,omitempty"`
	HangTimeoutSecs    int    `json:"hang_timeout_secs,omitempty" yaml:"hang_timeout_secs,omitempty"`
	AuthEnabled        bool   `json:"auth_enabled,omitempty" yaml:"auth_enabled,omitempty"`
	SessionTTLSecs     int    `json:"session_ttl_secs,omitempty" yaml:"session_ttl_secs,omitempty"`
	AllowRegistration  bool   `json:"allow_registration,omitempty" yaml:"allow_registration,omitempty"`
	HTTPS              bool   `json:"https,omitempty" yaml:"https,omitempty"`
	AdminUsername      string `json:"admin_username,omitempty" yaml:"admin_username,omitempty"`
	AdminPassword      string `json:"admin_password,omitempty" yaml:"admin_password,omitempty"`
	AdminDisplayName   string `json:"admin_display_name,omitempty" yaml:"admin_display_name,omitempty"`
	BindAddr           string `json:"bind_addr,omitempty" yaml:"bind_addr,omitempty"`
	FederationAddr     string `json:"federation_addr,omitempty" yaml:"federation_addr,omitempty"`
	RelayHint          string `json:"relay_hint,omitempty" yaml:"relay_hint,omitempty"`
}

const (
	defaultMaxBufferMB     = 25
	defaultMaxHistoryKB    = 64
	defaultHangTimeoutSecs = 300
	defaultSessionTTLSecs  = 3600
)

// Manager merges a user-level config with a project-level override,
// project winning field by field, the way wingthing's config manager
// does it.
type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{userConfig: &Config{}, projectConfig: &Config{}, merged: &Config{}}
}

// Load reads `settings.json` (or `settings.yaml`) from both the user
// data directory and `<projectDir>/.crabcity`, merges them, then
// applies environment-variable overrides on top.
func (m *Manager) Load(userDataDir, projectDir string) error {
	if err := m.loadConfig(userDataDir, m.userConfig); err != nil {
		return err
	}
	if err := m.loadConfig(filepath.Join(projectDir, ".crabcity"), m.projectConfig); err != nil {
		return err
	}
	m.mergeConfigs()
	applyEnvOverrides(m.merged)
	return nil
}

func (m *Manager) loadConfig(dir string, cfg *Config) error {
	for _, name := range []string{"settings.json", "settings.yaml", "settings.yml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if filepath.Ext(name) == ".json" {
			return json.Unmarshal(data, cfg)
		}
		return yaml.Unmarshal(data, cfg)
	}
	return nil
}

func (m *Manager) mergeConfigs() {
	u, p := m.userConfig, m.projectConfig
	m.merged = &Config{
		MaxBufferMB:       firstNonZeroInt(p.MaxBufferMB, u.MaxBufferMB, defaultMaxBufferMB),
		MaxHistoryKB:      firstNonZeroInt(p.MaxHistoryKB, u.MaxHistoryKB, defaultMaxHistoryKB),
		HangTimeoutSecs:   firstNonZeroInt(p.HangTimeoutSecs, u.HangTimeoutSecs, defaultHangTimeoutSecs),
		AuthEnabled:       p.AuthEnabled || u.AuthEnabled,
		SessionTTLSecs:    firstNonZeroInt(p.SessionTTLSecs, u.SessionTTLSecs, defaultSessionTTLSecs),
		AllowRegistration: p.AllowRegistration || u.AllowRegistration,
		HTTPS:             p.HTTPS || u.HTTPS,
		AdminUsername:     firstNonEmpty(p.AdminUsername, u.AdminUsername),
		AdminPassword:     firstNonEmpty(p.AdminPassword, u.AdminPassword),
		AdminDisplayName:  firstNonEmpty(p.AdminDisplayName, u.AdminDisplayName),
		BindAddr:          firstNonEmpty(p.BindAddr, u.BindAddr, "127.0.0.1:7780"),
		FederationAddr:    firstNonEmpty(p.FederationAddr, u.FederationAddr, "0.0.0.0:7781"),
		RelayHint:         firstNonEmpty(p.RelayHint, u.RelayHint),
	}
}

// applyEnvOverrides lets CRAB_CITY_* environment variables win over
// both config layers.
func applyEnvOverrides(c *Config) {
	if v, ok := envInt("CRAB_CITY_MAX_BUFFER_MB"); ok {
		c.MaxBufferMB = v
	}
	if v, ok := envInt("CRAB_CITY_MAX_HISTORY_KB"); ok {
		c.MaxHistoryKB = v
	}
	if v, ok := envInt("CRAB_CITY_HANG_TIMEOUT_SECS"); ok {
		c.HangTimeoutSecs = v
	}
	if v, ok := envBool("CRAB_CITY_AUTH_ENABLED"); ok {
		c.AuthEnabled = v
	}
	if v, ok := envInt("CRAB_CITY_SESSION_TTL"); ok {
		c.SessionTTLSecs = v
	}
	if v, ok := envBool("CRAB_CITY_ALLOW_REGISTRATION"); ok {
		c.AllowRegistration = v
	}
	if v, ok := envBool("CRAB_CITY_HTTPS"); ok {
		c.HTTPS = v
	}
	if v := os.Getenv("CRAB_CITY_ADMIN_USERNAME"); v != "" {
		c.AdminUsername = v
	}
	if v := os.Getenv("CRAB_CITY_ADMIN_PASSWORD"); v != "" {
		c.AdminPassword = v
	}
	if v := os.Getenv("CRAB_CITY_ADMIN_DISPLAY_NAME"); v != "" {
		c.AdminDisplayName = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// MaxBufferBytes converts MaxBufferMB to bytes, interpreting "MB" as
// MiB (see DESIGN.md open-question decision 1).
func (c *Config) MaxBufferBytes() int64 {
	return int64(c.MaxBufferMB) << 20
}

// MaxHistoryBytes converts MaxHistoryKB to bytes (KiB).
func (c *Config) MaxHistoryBytes() int64 {
	return int64(c.MaxHistoryKB) << 10
}

func (m *Manager) Get() *Config { return m.merged }

func (m *Manager) SaveUserConfig(userDataDir string) error {
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userDataDir, "settings.json"), data, 0644)
}
