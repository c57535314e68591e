package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/go/packages"

	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/watcher"
)

var (
	// ErrNoPackages indicates the target pattern matched nothing.
	ErrNoPackages = errors.New("target resolves to no packages")

	// ErrMultiplePackages indicates the target pattern matched more than one package.
	ErrMultiplePackages = errors.New("target resolves to more than one package")

	// ErrNotRunnable indicates the target is not a main package.
	ErrNotRunnable = errors.New("target is not a main package")
)

const defaultGoBinary = "go"

// GoResolverConfig configures a GoResolver.
type GoResolverConfig struct {
	// ProjectDir is the directory go commands run in.
	ProjectDir string

	// Target is the package pattern to run. Default ".".
	Target string

	BuildFlags []string
	AppArgs    []string

	// ContentRoots are directories, relative to ProjectDir, holding assets
	// that can be refreshed in place.
	ContentRoots []string

	// GoBinary is the go command. Default "go".
	GoBinary string

	// Env overrides the environment for go list. Nil inherits.
	Env []string
}

// GoResolver resolves a Go project with go/packages.
type GoResolver struct {
	config GoResolverConfig
}

// NewGoResolver creates a GoResolver.
func NewGoResolver(cfg GoResolverConfig) *GoResolver {
	if cfg.Target == "" {
		cfg.Target = "."
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = defaultGoBinary
	}
	return &GoResolver{config: cfg}
}

const loadMode = packages.NeedName |
	packages.NeedFiles |
	packages.NeedEmbedFiles |
	packages.NeedImports |
	packages.NeedDeps |
	packages.NeedModule

// Resolve loads the target and the main-module packages it depends on.
func (r *GoResolver) Resolve(ctx context.Context) (*Resolution, error) {
	projectDir, err := filepath.Abs(r.config.ProjectDir)
	if err != nil {
		return nil, evaluationError("resolve project directory", err)
	}

	pkgs, err := packages.Load(&packages.Config{
		Context:    ctx,
		Mode:       loadMode,
		Dir:        projectDir,
		Env:        r.config.Env,
		BuildFlags: r.config.BuildFlags,
	}, r.config.Target)
	if err != nil {
		return nil, evaluationError("load "+r.config.Target, err)
	}

	root, err := selectTarget(pkgs, r.config.Target)
	if err != nil {
		return nil, err
	}

	graph := &ProjectGraph{Nodes: make(map[string]*ProjectNode)}
	files := watcher.FileSet{}

	packages.Visit([]*packages.Package{root}, nil, func(pkg *packages.Package) {
		if !inMainModule(pkg) {
			return
		}
		node := newProjectNode(pkg)
		graph.Nodes[node.ID] = node
		for path := range node.CompiledFiles {
			files.Add(watcher.FileItem{Path: path, Kind: watcher.FileKindSource, ProjectID: node.ID})
		}
	})

	rootNode, ok := graph.Nodes[root.PkgPath]
	if !ok {
		rootNode = newProjectNode(root)
		graph.Nodes[rootNode.ID] = rootNode
	}
	rootNode.IsRunnable = true
	graph.Root = rootNode

	if root.Module != nil {
		graph.ModulePath = root.Module.Path
		graph.ModuleDir = root.Module.Dir
	}

	for _, path := range r.buildFiles(projectDir, pkgs) {
		files.Add(watcher.FileItem{Path: path, Kind: watcher.FileKindBuild, ProjectID: rootNode.ID})
		if graph.ModulePath == "" && filepath.Base(path) == "go.mod" {
			graph.ModulePath, graph.ModuleDir = readModulePath(path), filepath.Dir(path)
		}
	}

	for _, cr := range r.config.ContentRoots {
		dir := cr
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(projectDir, dir)
		}
		dir = filepath.Clean(dir)
		rootNode.ContentRoots = append(rootNode.ContentRoots, dir)
		addContentFiles(files, graph, rootNode.ID, dir)
	}

	return &Resolution{
		Graph: graph,
		Files: files,
		Command: LaunchCommand{
			Executable:       r.config.GoBinary,
			Arguments:        r.arguments(),
			WorkingDirectory: projectDir,
		},
	}, nil
}

func (r *GoResolver) arguments() []string {
	args := make([]string, 0, 2+len(r.config.BuildFlags)+len(r.config.AppArgs))
	args = append(args, "run")
	args = append(args, r.config.BuildFlags...)
	args = append(args, r.config.Target)
	return append(args, r.config.AppArgs...)
}

func evaluationError(msg string, err error) *rerrors.SupervisorError {
	return rerrors.New(rerrors.KindEvaluation, msg, err)
}

// selectTarget returns the single main package the pattern names.
func selectTarget(pkgs []*packages.Package, target string) (*packages.Package, error) {
	switch {
	case len(pkgs) == 0:
		return nil, evaluationError(target, ErrNoPackages)
	case len(pkgs) > 1:
		return nil, evaluationError(fmt.Sprintf("%s (%d packages)", target, len(pkgs)), ErrMultiplePackages)
	}

	root := pkgs[0]
	if root.Name == "main" {
		return root, nil
	}
	if root.Name == "" && len(root.Errors) > 0 {
		return nil, evaluationError(target, errors.New(root.Errors[0].Msg))
	}
	return nil, evaluationError(target, ErrNotRunnable).WithContext("package", root.Name)
}

func inMainModule(pkg *packages.Package) bool {
	return pkg.Module != nil && pkg.Module.Main
}

func newProjectNode(pkg *packages.Package) *ProjectNode {
	node := &ProjectNode{
		ID:            pkg.PkgPath,
		Name:          pkg.Name,
		CompiledFiles: make(map[string]bool),
	}
	for _, group := range [][]string{pkg.GoFiles, pkg.OtherFiles, pkg.EmbedFiles} {
		for _, f := range group {
			node.CompiledFiles[filepath.Clean(f)] = true
		}
	}
	if len(pkg.GoFiles) > 0 {
		node.Dir = filepath.Dir(pkg.GoFiles[0])
	}
	return node
}

// buildFiles returns the go.mod/go.sum of every main module plus the
// workspace files and the modules the workspace uses.
func (r *GoResolver) buildFiles(projectDir string, pkgs []*packages.Package) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		path = filepath.Clean(path)
		if seen[path] {
			return
		}
		if _, err := os.Stat(path); err != nil {
			return
		}
		seen[path] = true
		out = append(out, path)
	}
	addModule := func(goMod string) {
		add(goMod)
		add(filepath.Join(filepath.Dir(goMod), "go.sum"))
	}

	packages.Visit(pkgs, nil, func(pkg *packages.Package) {
		if inMainModule(pkg) && pkg.Module.GoMod != "" {
			addModule(pkg.Module.GoMod)
		}
	})

	if work := findWorkFile(projectDir, r.config.Env); work != "" {
		add(work)
		add(work + ".sum")
		for _, dir := range workspaceModules(work) {
			addModule(filepath.Join(dir, "go.mod"))
		}
	}

	if len(out) == 0 {
		if goMod := findUp(projectDir, "go.mod"); goMod != "" {
			addModule(goMod)
		}
	}
	return out
}

// findWorkFile locates the go.work file in effect, honoring GOWORK.
func findWorkFile(dir string, env []string) string {
	gowork := lookupEnv(env, "GOWORK")
	switch gowork {
	case "off":
		return ""
	case "":
		return findUp(dir, "go.work")
	default:
		return gowork
	}
}

func lookupEnv(env []string, key string) string {
	if env == nil {
		return os.Getenv(key)
	}
	value := ""
	for _, entry := range env {
		if strings.HasPrefix(entry, key+"=") {
			value = strings.TrimPrefix(entry, key+"=")
		}
	}
	return value
}

func findUp(dir, name string) string {
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// workspaceModules returns the absolute module directories a go.work uses.
func workspaceModules(workPath string) []string {
	data, err := os.ReadFile(workPath)
	if err != nil {
		return nil
	}
	work, err := modfile.ParseWork(workPath, data, nil)
	if err != nil {
		return nil
	}
	base := filepath.Dir(workPath)
	dirs := make([]string, 0, len(work.Use))
	for _, use := range work.Use {
		dir := filepath.FromSlash(use.Path)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

func readModulePath(goMod string) string {
	data, err := os.ReadFile(goMod)
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}

// contentSkipDirs are never scanned for content files.
var contentSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// addContentFiles adds every regular file under root that is not a build
// input as a content item.
func addContentFiles(files watcher.FileSet, graph *ProjectGraph, projectID, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && contentSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || graph.IsCompiled(path) {
			return nil
		}
		if _, exists := files.Lookup(path); exists {
			return nil
		}
		files.Add(watcher.FileItem{
			Path:        path,
			Kind:        watcher.FileKindContent,
			ProjectID:   projectID,
			ContentRoot: root,
		})
		return nil
	})
}
