// Package watcher observes a project's directories and reports changes to the
// files the current evaluation cares about.
package watcher

import (
	"path/filepath"
	"sort"
	"time"
)

// =============================================================================
// ChangeKind
// =============================================================================

// ChangeKind represents the type of file operation detected.
type ChangeKind int

const (
	// ChangeCreated indicates a file was created.
	ChangeCreated ChangeKind = iota

	// ChangeModified indicates a file was modified.
	ChangeModified

	// ChangeDeleted indicates a file was deleted.
	ChangeDeleted

	// ChangeRenamed indicates a file was renamed away.
	ChangeRenamed
)

// String returns a human-readable name for the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	case ChangeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// merge folds a later event for the same path into an earlier one.
func (k ChangeKind) merge(next ChangeKind) ChangeKind {
	switch {
	case next == ChangeDeleted || next == ChangeRenamed:
		return next
	case k == ChangeCreated:
		return ChangeCreated
	default:
		return next
	}
}

// =============================================================================
// FileKind
// =============================================================================

// FileKind classifies a watched file.
type FileKind int

const (
	// FileKindSource is a compiled input.
	FileKindSource FileKind = iota

	// FileKindContent is a non-compiled asset that may be updated in place.
	FileKindContent

	// FileKindBuild is a build-definition file (go.mod, go.work, ...).
	FileKindBuild
)

// String returns a human-readable name for the file kind.
func (k FileKind) String() string {
	switch k {
	case FileKindSource:
		return "source"
	case FileKindContent:
		return "content"
	case FileKindBuild:
		return "build"
	default:
		return "unknown"
	}
}

// =============================================================================
// FileItem / FileSet
// =============================================================================

// FileItem is the watch metadata for one file.
type FileItem struct {
	// Path is the absolute, cleaned path of the file.
	Path string

	// Kind classifies the file.
	Kind FileKind

	// ProjectID identifies the owning project node.
	ProjectID string

	// ContentRoot is the content root containing the file, for content files.
	ContentRoot string
}

// FileSet maps absolute file paths to their watch metadata.
type FileSet map[string]FileItem

// Add inserts item, keyed by its cleaned path.
func (s FileSet) Add(item FileItem) {
	item.Path = filepath.Clean(item.Path)
	s[item.Path] = item
}

// Lookup returns the item for path.
func (s FileSet) Lookup(path string) (FileItem, bool) {
	item, ok := s[filepath.Clean(path)]
	return item, ok
}

// Paths returns the file paths in sorted order.
func (s FileSet) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// OfKind returns the items of the given kind in path order.
func (s FileSet) OfKind(kind FileKind) []FileItem {
	var items []FileItem
	for _, p := range s.Paths() {
		if item := s[p]; item.Kind == kind {
			items = append(items, item)
		}
	}
	return items
}

// =============================================================================
// ChangedFile
// =============================================================================

// ChangedFile is a debounced change to a file in the watched set.
type ChangedFile struct {
	Item FileItem
	Kind ChangeKind
	Time time.Time
}

// Path returns the changed file's path.
func (c ChangedFile) Path() string {
	return c.Item.Path
}

// fileEvent is a debounced filesystem event before file-set filtering.
type fileEvent struct {
	Path string
	Kind ChangeKind
	Time time.Time
}
