package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/relaunch/core/storage"
)

// resetFlags restores flag variables after a test changes them.
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		rootProject = "."
		rootConfigFile = ""
		rootVerbose = false
		rootJSONLog = false
		runTarget = ""
		runNoRefresh = false
		runNoHistory = false
		runNoGitignore = false
		runDebounce = 0
		runContentRoots = nil
		runExclude = nil
		runBuildFlags = nil
		runFullEval = false
	})
}

func testDirs(t *testing.T) *storage.Dirs {
	t.Helper()
	return &storage.Dirs{Config: t.TempDir(), Data: t.TempDir(), State: t.TempDir()}
}

func TestRootCmd_Definition(t *testing.T) {
	t.Run("command is defined", func(t *testing.T) {
		assert.NotNil(t, rootCmd)
		assert.Equal(t, "relaunch [flags] [-- app args]", rootCmd.Use)
		assert.True(t, rootCmd.SilenceUsage)
	})

	t.Run("has history subcommand", func(t *testing.T) {
		var found bool
		for _, c := range rootCmd.Commands() {
			if c.Name() == "history" {
				found = true
			}
		}
		assert.True(t, found, "history subcommand should exist")
	})

	t.Run("has persistent flags", func(t *testing.T) {
		pflags := rootCmd.PersistentFlags()

		projectFlag := pflags.Lookup("project")
		require.NotNil(t, projectFlag)
		assert.Equal(t, "p", projectFlag.Shorthand)
		assert.Equal(t, ".", projectFlag.DefValue)

		verboseFlag := pflags.Lookup("verbose")
		require.NotNil(t, verboseFlag)
		assert.Equal(t, "v", verboseFlag.Shorthand)
	})

	t.Run("has run flags", func(t *testing.T) {
		for _, name := range []string{"target", "no-refresh", "no-history", "no-gitignore", "debounce", "content-root", "exclude", "build-flag", "full-eval"} {
			assert.NotNil(t, rootCmd.Flags().Lookup(name), "flag %s should exist", name)
		}
	})
}

func TestLoadConfig_FlagsOverrideProjectFile(t *testing.T) {
	resetFlags(t)
	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, storage.ProjectDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, storage.ProjectDirName, "config.yaml"), []byte(`
target: ./cmd/api
content_roots: [static]
watch:
  debounce: 300ms
`), 0o644))

	rootProject = project
	runDebounce = 40 * time.Millisecond
	runNoRefresh = true
	runBuildFlags = []string{"-race"}

	cfg, err := loadConfig(testDirs(t), []string{"--port", "8080"})
	require.NoError(t, err)

	abs, err := filepath.Abs(project)
	require.NoError(t, err)
	assert.Equal(t, abs, cfg.Project)
	assert.Equal(t, "./cmd/api", cfg.Target)
	assert.Equal(t, []string{"static"}, cfg.ContentRoots)
	assert.Equal(t, 40*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, []string{"-race"}, cfg.BuildFlags)
	assert.Equal(t, []string{"--port", "8080"}, cfg.AppArgs)
	assert.False(t, cfg.Refresh.Enabled)
	assert.True(t, cfg.History.Enabled)
}

func TestLoadConfig_ExtraConfigFile(t *testing.T) {
	resetFlags(t)
	extra := filepath.Join(t.TempDir(), "relaunch.yaml")
	require.NoError(t, os.WriteFile(extra, []byte("target: ./cmd/worker\nbuild_flags: [-tags=dev]\n"), 0o644))

	rootProject = t.TempDir()
	rootConfigFile = extra
	runTarget = "./cmd/web"

	cfg, err := loadConfig(testDirs(t), nil)
	require.NoError(t, err)
	assert.Equal(t, "./cmd/web", cfg.Target, "flags win over the config file")
	assert.Equal(t, []string{"-tags=dev"}, cfg.BuildFlags)
}

func TestLoadConfig_MissingProject(t *testing.T) {
	resetFlags(t)
	rootProject = filepath.Join(t.TempDir(), "missing")

	_, err := loadConfig(testDirs(t), nil)
	assert.Error(t, err)
}

func TestLoadConfig_ProjectIsFile(t *testing.T) {
	resetFlags(t)
	file := filepath.Join(t.TempDir(), "main.go")
	require.NoError(t, os.WriteFile(file, []byte("package main"), 0o644))
	rootProject = file

	_, err := loadConfig(testDirs(t), nil)
	assert.Error(t, err)
}
