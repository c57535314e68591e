package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/report"
)

// =============================================================================
// Constants
// =============================================================================

// DefaultDebounce is the default debounce interval for file events (100ms).
const DefaultDebounce = 100 * time.Millisecond

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoPathsConfigured indicates no watch paths were specified.
	ErrNoPathsConfigured = errors.New("no paths configured for watching")

	// ErrPathNotExist indicates a watch path does not exist.
	ErrPathNotExist = errors.New("watch path does not exist")

	// ErrPathNotDirectory indicates a watch path is not a directory.
	ErrPathNotDirectory = errors.New("watch path is not a directory")

	// ErrInvalidPattern indicates an exclude pattern could not be compiled.
	ErrInvalidPattern = errors.New("invalid exclude pattern")

	// ErrClosed indicates the watcher has been closed.
	ErrClosed = errors.New("watcher closed")
)

// =============================================================================
// Config
// =============================================================================

// Config configures a Watcher.
type Config struct {
	// Debounce is the quiet period per path before an event is emitted.
	// Default is 100ms.
	Debounce time.Duration

	// ExcludePatterns are glob patterns for paths to ignore.
	ExcludePatterns []string

	// UseGitignore skips directories ignored by .gitignore files under each
	// watched root.
	UseGitignore bool

	// Reporter receives transient watch errors. Nil discards them.
	Reporter report.Reporter
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:     DefaultDebounce,
		UseGitignore: true,
	}
}

type pendingEvent struct {
	event fileEvent
	timer *time.Timer
}

// =============================================================================
// Watcher
// =============================================================================

// Watcher monitors directories with fsnotify and queues debounced changes.
// A Watcher is created per iteration and must be closed on every exit path.
type Watcher struct {
	config   Config
	fsw      *fsnotify.Watcher
	excludes []glob.Glob
	reporter report.Reporter
	queue    *changeQueue

	mu        sync.Mutex
	recursive bool
	ignores   []*gitignoreMatcher
	required  map[string]bool
	watched   map[string]bool
	pending   map[string]*pendingEvent
	closed    bool

	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// New creates a Watcher and starts its event pump. Nothing is watched until
// WatchDirectories or WatchContainingDirectories is called.
func New(config Config) (*Watcher, error) {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}

	excludes, err := compileExcludePatterns(config.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, rerrors.New(rerrors.KindWatchEstablishment, "create filesystem watcher", err)
	}

	reporter := config.Reporter
	if reporter == nil {
		reporter = report.Discard{}
	}

	w := &Watcher{
		config:   config,
		fsw:      fsw,
		excludes: excludes,
		reporter: reporter,
		queue:    newChangeQueue(),
		required: make(map[string]bool),
		watched:  make(map[string]bool),
		pending:  make(map[string]*pendingEvent),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	go w.pump()

	return w, nil
}

// =============================================================================
// Establishing watches
// =============================================================================

// WatchDirectories adds roots to the watch, walking subdirectories when
// recursive is set. A root that cannot be watched is a watch-establishment
// error; unreadable subdirectories are reported and skipped.
func (w *Watcher) WatchDirectories(roots []string, recursive bool) error {
	if err := validatePaths(roots); err != nil {
		return rerrors.New(rerrors.KindWatchEstablishment, "validate watch roots", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.recursive = w.recursive || recursive
	w.mu.Unlock()

	for _, root := range roots {
		root = filepath.Clean(root)
		if w.config.UseGitignore {
			if m := loadGitignore(root); m != nil {
				w.mu.Lock()
				w.ignores = append(w.ignores, m)
				w.mu.Unlock()
			}
		}

		if err := w.addDirectory(root); err != nil {
			return rerrors.New(rerrors.KindWatchEstablishment, "watch "+root, err).
				WithContext("root", root)
		}

		if recursive {
			w.addSubdirectories(root)
		}
	}
	return nil
}

// WatchContainingDirectories watches the directories holding files. Nested
// directories collapse into their closest watched ancestor when recursive.
// Directories holding a watched file are never skipped by exclude rules.
func (w *Watcher) WatchContainingDirectories(files []string, recursive bool) error {
	w.mu.Lock()
	for _, f := range files {
		w.markRequired(filepath.Dir(filepath.Clean(f)))
	}
	w.mu.Unlock()

	roots := containingDirectories(files, recursive)
	if len(roots) == 0 {
		return rerrors.New(rerrors.KindWatchEstablishment, "no directories to watch", ErrNoPathsConfigured)
	}
	return w.WatchDirectories(roots, recursive)
}

// containingDirectories returns the distinct existing parent directories of
// files, dropping directories nested under another when recursive.
func containingDirectories(files []string, recursive bool) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range files {
		dir := filepath.Dir(filepath.Clean(f))
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	if !recursive {
		return dirs
	}

	var roots []string
	for _, dir := range dirs {
		if len(roots) > 0 && isWithin(roots[len(roots)-1], dir) {
			continue
		}
		roots = append(roots, dir)
	}
	return roots
}

func isWithin(parent, path string) bool {
	if parent == path {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(parent, string(filepath.Separator))+string(filepath.Separator))
}

// markRequired records dir and its ancestors. Caller holds w.mu.
func (w *Watcher) markRequired(dir string) {
	for {
		if w.required[dir] {
			return
		}
		w.required[dir] = true
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func (w *Watcher) addDirectory(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.watched[path] {
		return nil
	}
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.watched[path] = true
	return nil
}

// addSubdirectories adds every non-excluded directory below root.
func (w *Watcher) addSubdirectories(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root {
				w.reportTransient("walk "+path, err)
			}
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if w.skipDirectory(path) {
			return filepath.SkipDir
		}
		if err := w.addDirectory(path); err != nil {
			if errors.Is(err, ErrClosed) {
				return filepath.SkipAll
			}
			w.reportTransient("watch "+path, err)
			return filepath.SkipDir
		}
		return nil
	})
}

// =============================================================================
// Validation
// =============================================================================

// validatePaths validates that at least one path exists and all are directories.
func validatePaths(paths []string) error {
	if len(paths) == 0 {
		return ErrNoPathsConfigured
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return ErrPathNotDirectory
		}
	}
	return nil
}

// =============================================================================
// Exclusion
// =============================================================================

// skipDirectory reports whether a directory should not be watched.
func (w *Watcher) skipDirectory(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.required[path] {
		return false
	}
	if defaultExcludedDirs[filepath.Base(path)] || w.matchesExclude(path) {
		return true
	}
	for _, m := range w.ignores {
		if m.ignored(path, true) {
			return true
		}
	}
	return false
}

func (w *Watcher) matchesExclude(path string) bool {
	for _, pattern := range w.excludes {
		if matchesPattern(path, pattern) {
			return true
		}
	}
	return false
}

// =============================================================================
// Event Processing
// =============================================================================

// pump reads from fsnotify until the watcher is closed.
func (w *Watcher) pump() {
	defer close(w.pumpDone)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportTransient("filesystem watch error", err)
		}
	}
}

// handleFSEvent processes a single fsnotify event.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	// Attribute-only changes do not alter content.
	if event.Op == fsnotify.Chmod {
		return
	}

	path := filepath.Clean(event.Name)

	w.mu.Lock()
	excluded := w.matchesExclude(path)
	recursive := w.recursive
	w.mu.Unlock()
	if excluded {
		return
	}

	if event.Has(fsnotify.Create) && recursive {
		w.handlePossibleNewDirectory(path)
	}

	w.scheduleEvent(path, mapFSNotifyOperation(event.Op))
}

// handlePossibleNewDirectory adds a new directory to the watcher if applicable.
func (w *Watcher) handlePossibleNewDirectory(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if w.skipDirectory(path) {
		return
	}
	if err := w.addDirectory(path); err != nil {
		if !errors.Is(err, ErrClosed) {
			w.reportTransient("watch "+path, err)
		}
		return
	}
	w.addSubdirectories(path)
}

// fsOpMappings defines the mapping from fsnotify operations to ChangeKind.
// Order matters: first match wins.
var fsOpMappings = []struct {
	fsOp fsnotify.Op
	kind ChangeKind
}{
	{fsnotify.Create, ChangeCreated},
	{fsnotify.Write, ChangeModified},
	{fsnotify.Remove, ChangeDeleted},
	{fsnotify.Rename, ChangeRenamed},
}

// mapFSNotifyOperation converts fsnotify.Op to ChangeKind.
func mapFSNotifyOperation(op fsnotify.Op) ChangeKind {
	for _, m := range fsOpMappings {
		if op.Has(m.fsOp) {
			return m.kind
		}
	}
	return ChangeModified
}

func (w *Watcher) reportTransient(msg string, err error) {
	werr := rerrors.New(rerrors.KindTransientWatch, msg, err)
	report.Verbose(w.reporter, werr.Error(), slog.String("kind", werr.Kind.String()))
}

// =============================================================================
// Debouncing
// =============================================================================

// scheduleEvent (re)arms the debounce timer for path, merging the change kind
// with any event still pending for it.
func (w *Watcher) scheduleEvent(path string, kind ChangeKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	now := time.Now()

	if existing, ok := w.pending[path]; ok {
		existing.timer.Stop()
		existing.event.Kind = existing.event.Kind.merge(kind)
		existing.event.Time = now
		existing.timer = w.createDebounceTimer(path, existing)
		return
	}

	p := &pendingEvent{event: fileEvent{Path: path, Kind: kind, Time: now}}
	p.timer = w.createDebounceTimer(path, p)
	w.pending[path] = p
}

func (w *Watcher) createDebounceTimer(path string, p *pendingEvent) *time.Timer {
	return time.AfterFunc(w.config.Debounce, func() {
		w.emitEvent(path, p)
	})
}

// emitEvent moves a settled event from pending to the queue.
func (w *Watcher) emitEvent(path string, p *pendingEvent) {
	w.mu.Lock()
	if w.closed || w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	ev := p.event
	w.mu.Unlock()

	w.queue.push(ev)
}

// =============================================================================
// Consuming changes
// =============================================================================

// WaitForChange blocks until a change to a file in fileSet is available.
// onStartedWatching, when non-nil, runs once before blocking. Queued changes
// outside fileSet are discarded. Returns false when ctx is done or the
// watcher is closed.
func (w *Watcher) WaitForChange(ctx context.Context, fileSet FileSet, onStartedWatching func()) (ChangedFile, bool) {
	if onStartedWatching != nil {
		onStartedWatching()
	}

	for {
		ev, ok := w.queue.pop(ctx, w.done)
		if !ok {
			return ChangedFile{}, false
		}

		item, found := fileSet.Lookup(ev.Path)
		if !found {
			report.Verbose(w.reporter, "ignoring change outside watched files",
				slog.String("path", ev.Path), slog.String("kind", ev.Kind.String()))
			continue
		}

		return ChangedFile{Item: item, Kind: ev.Kind, Time: ev.Time}, true
	}
}

// Pending returns the number of debounced changes not yet consumed.
func (w *Watcher) Pending() int {
	return w.queue.len()
}

// =============================================================================
// Close
// =============================================================================

// Close stops the watcher, discarding pending events. Safe to call more than
// once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()

		close(w.done)
		err = w.fsw.Close()
		<-w.pumpDone
	})
	return err
}
