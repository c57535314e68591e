// Package config loads relaunch's layered YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/relaunch/core/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RELAUNCH_"

type Config struct {
	Project                string   `yaml:"project"`
	Target                 string   `yaml:"target"`
	BuildFlags             []string `yaml:"build_flags"`
	AppArgs                []string `yaml:"app_args"`
	ContentRoots           []string `yaml:"content_roots"`
	SuppressIncrementalism bool     `yaml:"suppress_incrementalism"`

	Watch   WatchConfig   `yaml:"watch"`
	Process ProcessConfig `yaml:"process"`
	Refresh RefreshConfig `yaml:"refresh"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

type WatchConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	Exclude      []string      `yaml:"exclude"`
	UseGitignore bool          `yaml:"use_gitignore"`
}

type ProcessConfig struct {
	GoBinary     string        `yaml:"go_binary"`
	SIGINTGrace  time.Duration `yaml:"sigint_grace"`
	SIGTERMGrace time.Duration `yaml:"sigterm_grace"`
}

type RefreshConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path overrides the per-project journal location.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Verbose bool `yaml:"verbose"`
	JSON    bool `yaml:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		Project: ".",
		Target:  ".",
		Watch: WatchConfig{
			Debounce:     100 * time.Millisecond,
			UseGitignore: true,
		},
		Process: ProcessConfig{
			GoBinary:     "go",
			SIGINTGrace:  5 * time.Second,
			SIGTERMGrace: 3 * time.Second,
		},
		Refresh: RefreshConfig{
			Enabled: true,
			Addr:    "127.0.0.1:0",
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Target == "" {
		errs = append(errs, errors.New("target must not be empty"))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must not be negative: %s", c.Watch.Debounce))
	}
	if c.Process.SIGINTGrace < 0 || c.Process.SIGTERMGrace < 0 {
		errs = append(errs, errors.New("process grace periods must not be negative"))
	}
	if c.Process.GoBinary == "" {
		errs = append(errs, errors.New("process.go_binary must not be empty"))
	}
	return errors.Join(errs...)
}

// JournalPath returns the journal database path for this configuration.
func (c *Config) JournalPath(dirs *storage.Dirs) string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return dirs.JournalPath(c.Project)
}

type Manager struct {
	current     atomic.Pointer[Config]
	dirs        *storage.Dirs
	projectRoot string
	lookupEnv   func(string) (string, bool)
}

// NewManager creates a Manager for the project at projectRoot.
func NewManager(dirs *storage.Dirs, projectRoot string) *Manager {
	m := &Manager{
		dirs:        dirs,
		projectRoot: projectRoot,
		lookupEnv:   os.LookupEnv,
	}
	m.current.Store(DefaultConfig())
	return m
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Load builds the configuration from defaults, the user file, the project
// file, the local file, and RELAUNCH_* environment variables, in that order.
// overrides, typically parsed CLI flags, are merged last. A relative project
// path is taken relative to the project root.
func (m *Manager) Load(overrides ...*Config) (*Config, error) {
	cfg := DefaultConfig()
	projectDirs := storage.ResolveProjectDirs(m.projectRoot)

	layers := []struct {
		name string
		path string
	}{
		{"user config", m.dirs.ConfigDir("config.yaml")},
		{"project config", projectDirs.Config},
		{"local config", filepath.Join(projectDirs.Local, "config.yaml")},
	}
	for _, layer := range layers {
		if err := loadYAMLFile(layer.path, cfg); err != nil {
			return nil, fmt.Errorf("%s %s: %w", layer.name, layer.path, err)
		}
	}

	if err := m.applyEnvironment(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	for _, o := range overrides {
		if o != nil {
			DeepMerge(cfg, o)
		}
	}

	switch {
	case cfg.Project == "" || cfg.Project == ".":
		cfg.Project = m.projectRoot
	case !filepath.IsAbs(cfg.Project):
		cfg.Project = filepath.Join(m.projectRoot, cfg.Project)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.current.Store(cfg)
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := m.lookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := m.lookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := m.lookupEnv(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := m.lookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("PROJECT", &cfg.Project)
	str("TARGET", &cfg.Target)
	list("BUILD_FLAGS", &cfg.BuildFlags)
	list("CONTENT_ROOTS", &cfg.ContentRoots)
	boolean("SUPPRESS_INCREMENTALISM", &cfg.SuppressIncrementalism)
	duration("WATCH_DEBOUNCE", &cfg.Watch.Debounce)
	list("WATCH_EXCLUDE", &cfg.Watch.Exclude)
	boolean("WATCH_USE_GITIGNORE", &cfg.Watch.UseGitignore)
	str("GO_BINARY", &cfg.Process.GoBinary)
	duration("SIGINT_GRACE", &cfg.Process.SIGINTGrace)
	duration("SIGTERM_GRACE", &cfg.Process.SIGTERMGrace)
	boolean("REFRESH_ENABLED", &cfg.Refresh.Enabled)
	str("REFRESH_ADDR", &cfg.Refresh.Addr)
	boolean("HISTORY_ENABLED", &cfg.History.Enabled)
	str("HISTORY_PATH", &cfg.History.Path)
	boolean("LOG_VERBOSE", &cfg.Log.Verbose)
	boolean("LOG_JSON", &cfg.Log.JSON)

	return errors.Join(errs...)
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
