package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveDirsXDGOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Setenv("XDG_DATA_HOME", tmpDir)

	dirs := resolveDirsImpl()

	if dirs.Config != filepath.Join(tmpDir, AppName) {
		t.Errorf("XDG config override failed: got %s", dirs.Config)
	}
	if dirs.Data != filepath.Join(tmpDir, AppName) {
		t.Errorf("XDG data override failed: got %s", dirs.Data)
	}
	if !strings.Contains(dirs.State, AppName) {
		t.Errorf("State dir should contain %q: %s", AppName, dirs.State)
	}
}

func TestResolveDirsCached(t *testing.T) {
	if ResolveDirs() != ResolveDirs() {
		t.Error("ResolveDirs should return the cached instance")
	}
}

func TestResolveProjectDirs(t *testing.T) {
	projectRoot := "/test/project"
	dirs := ResolveProjectDirs(projectRoot)

	if dirs.Root != filepath.Join(projectRoot, ".relaunch") {
		t.Errorf("Root: got %s", dirs.Root)
	}
	if dirs.Config != filepath.Join(projectRoot, ".relaunch", "config.yaml") {
		t.Errorf("Config: got %s", dirs.Config)
	}
	if dirs.Local != filepath.Join(projectRoot, ".relaunch", "local") {
		t.Errorf("Local: got %s", dirs.Local)
	}
}

func TestProjectHash(t *testing.T) {
	hash1 := ProjectHash("/project/one")
	hash2 := ProjectHash("/project/two")

	if hash1 == hash2 {
		t.Error("Different projects should have different hashes")
	}
	if hash1 != ProjectHash("/project/one") {
		t.Error("Same project should have same hash")
	}
	if len(hash1) != 16 {
		t.Errorf("Hash should be 16 chars, got %d", len(hash1))
	}
}

func TestJournalPath(t *testing.T) {
	dirs := &Dirs{Data: "/data/relaunch"}

	got := dirs.JournalPath("/project/one")
	want := filepath.Join("/data/relaunch", "projects", ProjectHash("/project/one"), "journal.db")
	if got != want {
		t.Errorf("JournalPath: got %s, want %s", got, want)
	}
}
