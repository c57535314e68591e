// Package evaluator decides when the project must be re-resolved and
// produces the watched file set and launch command for each iteration.
package evaluator

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/adalundhe/relaunch/core/watcher"
)

// ProjectNode is one package of the project graph.
type ProjectNode struct {
	// ID is the package import path.
	ID   string
	Name string
	Dir  string

	// IsRunnable marks the launch target (a main package).
	IsRunnable bool

	// ContentRoots are absolute directories whose non-compiled files may be
	// updated without a restart.
	ContentRoots []string

	// CompiledFiles holds every file that is an input to the build of this
	// node, including embedded files.
	CompiledFiles map[string]bool
}

// ProjectGraph is the resolved structure of the project.
type ProjectGraph struct {
	// Root is the runnable target.
	Root  *ProjectNode
	Nodes map[string]*ProjectNode

	ModulePath string
	ModuleDir  string
}

// Node returns the node with the given id.
func (g *ProjectGraph) Node(id string) (*ProjectNode, bool) {
	if g == nil {
		return nil, false
	}
	n, ok := g.Nodes[id]
	return n, ok
}

// RunnableNodes returns the runnable nodes in id order.
func (g *ProjectGraph) RunnableNodes() []*ProjectNode {
	if g == nil {
		return nil
	}
	var nodes []*ProjectNode
	for _, n := range g.Nodes {
		if n.IsRunnable {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// IsCompiled reports whether path is a build input of any node.
func (g *ProjectGraph) IsCompiled(path string) bool {
	if g == nil {
		return false
	}
	path = filepath.Clean(path)
	for _, n := range g.Nodes {
		if n.CompiledFiles[path] {
			return true
		}
	}
	return false
}

// LaunchCommand is what the supervisor runs for an evaluation.
type LaunchCommand struct {
	Executable       string
	Arguments        []string
	Environment      map[string]string
	WorkingDirectory string
}

// Result is the outcome of one Evaluate call. Results are never mutated.
type Result struct {
	Files   watcher.FileSet
	Command LaunchCommand

	// Graph is non-nil only when this call performed a full evaluation.
	Graph *ProjectGraph
}

// Resolution is what a ProjectResolver produces.
type Resolution struct {
	Graph   *ProjectGraph
	Files   watcher.FileSet
	Command LaunchCommand
}

// ProjectResolver performs a full, expensive project evaluation.
type ProjectResolver interface {
	Resolve(ctx context.Context) (*Resolution, error)
}

// buildFileNames are build-definition files regardless of recorded kind.
var buildFileNames = map[string]bool{
	"go.mod":      true,
	"go.sum":      true,
	"go.work":     true,
	"go.work.sum": true,
}

// IsBuildFile reports whether a change to item alters the build definition.
func IsBuildFile(item watcher.FileItem) bool {
	return item.Kind == watcher.FileKindBuild || buildFileNames[filepath.Base(item.Path)]
}
