// Package statics applies changes to content files in place, without
// restarting the application.
package statics

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/evaluator"
	"github.com/adalundhe/relaunch/core/report"
	"github.com/adalundhe/relaunch/core/watcher"
)

// DefaultHashCacheSize bounds how many pushed file hashes are remembered.
const DefaultHashCacheSize = 512

var (
	// ErrNoTransport indicates no refresh transport is attached.
	ErrNoTransport = errors.New("no refresh transport")

	// ErrNoGraph indicates no project graph has been evaluated yet.
	ErrNoGraph = errors.New("no project graph")
)

// Transport delivers updated content to running clients.
type Transport interface {
	Push(ctx context.Context, projectKey, filePath string, content []byte) error
}

// Handler decides whether a batch of changes can be applied in place and
// pushes them when it can.
type Handler struct {
	transport Transport
	reporter  report.Reporter
	hashes    *lru.Cache[string, [sha256.Size]byte]

	mu    sync.Mutex
	graph *evaluator.ProjectGraph
}

// NewHandler creates a Handler. A nil transport makes every batch
// unhandled.
func NewHandler(transport Transport, reporter report.Reporter) *Handler {
	if reporter == nil {
		reporter = report.Discard{}
	}
	hashes, _ := lru.New[string, [sha256.Size]byte](DefaultHashCacheSize)
	return &Handler{
		transport: transport,
		reporter:  reporter,
		hashes:    hashes,
	}
}

// SetGraph replaces the project graph used to classify changes. Nil keeps
// the current graph.
func (h *Handler) SetGraph(graph *evaluator.ProjectGraph) {
	if graph == nil {
		return
	}
	h.mu.Lock()
	h.graph = graph
	h.mu.Unlock()
}

func (h *Handler) currentGraph() *evaluator.ProjectGraph {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.graph
}

type staticUpdate struct {
	path       string
	projectKey string
}

// HandleFileChanges applies changes in place and reports whether all of
// them were handled. Any change that is not a pure content update, or any
// failure to push, leaves the batch unhandled so the caller restarts.
func (h *Handler) HandleFileChanges(ctx context.Context, changes []watcher.ChangedFile) bool {
	if len(changes) == 0 {
		return false
	}

	updates, err := h.classify(changes)
	if err != nil {
		h.note(err)
		return false
	}

	for _, u := range updates {
		if err := h.apply(ctx, u); err != nil {
			h.note(err)
			return false
		}
	}
	return true
}

func (h *Handler) classify(changes []watcher.ChangedFile) ([]staticUpdate, error) {
	if h.transport == nil {
		return nil, rerrors.New(rerrors.KindStaticApply, "static update", ErrNoTransport)
	}
	graph := h.currentGraph()
	if graph == nil {
		return nil, rerrors.New(rerrors.KindStaticApply, "static update", ErrNoGraph)
	}

	updates := make([]staticUpdate, 0, len(changes))
	for _, change := range changes {
		path := change.Path()
		switch {
		case change.Item.Kind != watcher.FileKindContent:
			return nil, notStatic(path, "not a content file")
		case change.Kind == watcher.ChangeDeleted || change.Kind == watcher.ChangeRenamed:
			return nil, notStatic(path, "file was "+change.Kind.String())
		case graph.IsCompiled(path):
			return nil, notStatic(path, "file is a build input")
		}

		node := owningNode(graph, path)
		if node == nil {
			return nil, notStatic(path, "outside every content root")
		}
		updates = append(updates, staticUpdate{path: path, projectKey: node.ID})
	}
	return updates, nil
}

func notStatic(path, reason string) error {
	return rerrors.New(rerrors.KindStaticApply, reason, nil).WithContext("path", path)
}

// owningNode returns the runnable node with a content root holding path.
func owningNode(graph *evaluator.ProjectGraph, path string) *evaluator.ProjectNode {
	for _, node := range graph.RunnableNodes() {
		for _, root := range node.ContentRoots {
			if within(root, path) {
				return node
			}
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func (h *Handler) apply(ctx context.Context, u staticUpdate) error {
	content, err := os.ReadFile(u.path)
	if err != nil {
		return rerrors.New(rerrors.KindStaticApply, "read static file", err).WithContext("path", u.path)
	}

	sum := sha256.Sum256(content)
	if prev, ok := h.hashes.Get(u.path); ok && prev == sum {
		report.Verbose(h.reporter, "static file unchanged", slog.String("path", u.path))
		return nil
	}

	if err := h.transport.Push(ctx, u.projectKey, u.path, content); err != nil {
		return rerrors.New(rerrors.KindStaticApply, "push static file", err).WithContext("path", u.path)
	}
	h.hashes.Add(u.path, sum)

	h.reporter.Report(report.Event{
		Severity: report.SeverityOutput,
		ID:       report.IDStaticApplied,
		Message:  "Hot reloaded static file: " + u.path,
		Attrs:    []slog.Attr{slog.String("project", u.projectKey)},
	})
	return nil
}

func (h *Handler) note(err error) {
	report.Verbose(h.reporter, "static update not applied: "+err.Error())
}
