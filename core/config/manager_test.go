package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/adalundhe/relaunch/core/storage"
)

func newTestManager(t *testing.T, env map[string]string) (*Manager, string, string) {
	t.Helper()
	userDir := t.TempDir()
	projectRoot := t.TempDir()
	m := NewManager(&storage.Dirs{Config: userDir, Data: t.TempDir(), State: t.TempDir()}, projectRoot)
	m.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return m, userDir, projectRoot
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Watch.Debounce != 100*time.Millisecond {
		t.Errorf("Watch.Debounce: got %v, want 100ms", cfg.Watch.Debounce)
	}
	if !cfg.Watch.UseGitignore {
		t.Error("Watch.UseGitignore should default to true")
	}
	if cfg.Process.SIGINTGrace != 5*time.Second || cfg.Process.SIGTERMGrace != 3*time.Second {
		t.Errorf("grace periods: got %v/%v", cfg.Process.SIGINTGrace, cfg.Process.SIGTERMGrace)
	}
	if !cfg.Refresh.Enabled || cfg.Refresh.Addr != "127.0.0.1:0" {
		t.Errorf("refresh defaults: got %+v", cfg.Refresh)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestManagerLoadLayers(t *testing.T) {
	m, userDir, projectRoot := newTestManager(t, map[string]string{
		"RELAUNCH_REFRESH_ENABLED": "false",
		"RELAUNCH_WATCH_EXCLUDE":   "tmp, *.log",
	})

	writeConfig(t, filepath.Join(userDir, "config.yaml"), `
target: ./cmd/user
watch:
  debounce: 250ms
log:
  json: true
`)
	writeConfig(t, filepath.Join(projectRoot, ".relaunch", "config.yaml"), `
target: ./cmd/server
build_flags: ["-tags=dev"]
content_roots: [web/static]
`)
	writeConfig(t, filepath.Join(projectRoot, ".relaunch", "local", "config.yaml"), `
log:
  verbose: true
`)

	cfg, err := m.Load(&Config{AppArgs: []string{"--port", "9000"}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Target != "./cmd/server" {
		t.Errorf("project config should override user config: got %s", cfg.Target)
	}
	if cfg.Watch.Debounce != 250*time.Millisecond {
		t.Errorf("Watch.Debounce: got %v", cfg.Watch.Debounce)
	}
	if !cfg.Log.JSON || !cfg.Log.Verbose {
		t.Errorf("log layers not merged: %+v", cfg.Log)
	}
	if cfg.Refresh.Enabled {
		t.Error("environment should disable refresh")
	}
	if !reflect.DeepEqual(cfg.Watch.Exclude, []string{"tmp", "*.log"}) {
		t.Errorf("Watch.Exclude: got %v", cfg.Watch.Exclude)
	}
	if !reflect.DeepEqual(cfg.AppArgs, []string{"--port", "9000"}) {
		t.Errorf("AppArgs override: got %v", cfg.AppArgs)
	}
	if !reflect.DeepEqual(cfg.BuildFlags, []string{"-tags=dev"}) {
		t.Errorf("BuildFlags: got %v", cfg.BuildFlags)
	}
	if cfg.Project != projectRoot {
		t.Errorf("Project: got %s, want %s", cfg.Project, projectRoot)
	}
	if m.Get() != cfg {
		t.Error("Get should return the loaded config")
	}
}

func TestManagerLoadRelativeProject(t *testing.T) {
	m, _, projectRoot := newTestManager(t, nil)
	writeConfig(t, filepath.Join(projectRoot, ".relaunch", "config.yaml"), "project: services/api\n")

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := filepath.Join(projectRoot, "services", "api")
	if cfg.Project != want {
		t.Errorf("Project: got %s, want %s", cfg.Project, want)
	}
}

func TestManagerLoadInvalidEnvironment(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]string{
		"RELAUNCH_WATCH_DEBOUNCE": "soon",
		"RELAUNCH_LOG_VERBOSE":    "perhaps",
	})

	_, err := m.Load()
	if err == nil {
		t.Fatal("expected an error for invalid environment values")
	}
	if !strings.Contains(err.Error(), "RELAUNCH_WATCH_DEBOUNCE") || !strings.Contains(err.Error(), "RELAUNCH_LOG_VERBOSE") {
		t.Errorf("error should name both variables: %v", err)
	}
}

func TestManagerLoadInvalidYAML(t *testing.T) {
	m, _, projectRoot := newTestManager(t, nil)
	writeConfig(t, filepath.Join(projectRoot, ".relaunch", "config.yaml"), "watch: [unterminated")

	if _, err := m.Load(); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target = ""
	cfg.Watch.Debounce = -time.Second

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !strings.Contains(err.Error(), "target") || !strings.Contains(err.Error(), "debounce") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestJournalPath(t *testing.T) {
	dirs := &storage.Dirs{Data: "/data"}
	cfg := DefaultConfig()
	cfg.Project = "/work/app"

	if got := cfg.JournalPath(dirs); got != dirs.JournalPath("/work/app") {
		t.Errorf("default journal path: got %s", got)
	}

	cfg.History.Path = "/tmp/j.db"
	if got := cfg.JournalPath(dirs); got != "/tmp/j.db" {
		t.Errorf("override journal path: got %s", got)
	}
}
