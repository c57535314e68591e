package refresh

import (
	"context"
	"errors"
	"sync"

	"github.com/adalundhe/relaunch/core/evaluator"
	"github.com/adalundhe/relaunch/core/report"
)

// Environment variables handed to the application.
const (
	EnvEndpoint = "RELAUNCH_REFRESH_ENDPOINT"
	EnvScript   = "RELAUNCH_REFRESH_SCRIPT"
)

// ErrNoServer indicates no refresh server exists for a project.
var ErrNoServer = errors.New("no refresh server for project")

// Connector owns one refresh Server per root project and keeps it alive
// across iterations.
type Connector struct {
	addr     string
	reporter report.Reporter

	mu      sync.Mutex
	servers map[string]*Server
	closed  bool
}

// NewConnector creates a Connector whose servers listen on addr.
func NewConnector(addr string, reporter report.Reporter) *Connector {
	return &Connector{
		addr:     addr,
		reporter: reporter,
		servers:  make(map[string]*Server),
	}
}

// Prepare makes sure the graph's root project has a running server and
// points it at the current content roots.
func (c *Connector) Prepare(graph *evaluator.ProjectGraph) (*Server, error) {
	if graph == nil || graph.Root == nil {
		return nil, ErrNoServer
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrNotStarted
	}

	srv, ok := c.servers[graph.Root.ID]
	if !ok {
		srv = NewServer(c.addr, c.reporter)
		if err := srv.Start(); err != nil {
			return nil, err
		}
		c.servers[graph.Root.ID] = srv
	}
	srv.SetContentRoots(graph.Root.ContentRoots)
	return srv, nil
}

// Environment returns the variables that tell the application where the
// refresh server is. Empty when no server exists for projectKey.
func (c *Connector) Environment(projectKey string) map[string]string {
	srv := c.server(projectKey)
	if srv == nil {
		return nil
	}
	return map[string]string{
		EnvEndpoint: srv.Endpoint(),
		EnvScript:   srv.ScriptURL(),
	}
}

func (c *Connector) server(projectKey string) *Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[projectKey]
}

// Push implements statics.Transport.
func (c *Connector) Push(ctx context.Context, projectKey, filePath string, content []byte) error {
	srv := c.server(projectKey)
	if srv == nil {
		return ErrNoServer
	}
	return srv.Push(ctx, projectKey, filePath, content)
}

// Reload asks the browsers of every project to reload.
func (c *Connector) Reload(ctx context.Context) error {
	c.mu.Lock()
	servers := make([]*Server, 0, len(c.servers))
	for _, srv := range c.servers {
		servers = append(servers, srv)
	}
	c.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Reload(ctx); err != nil && !errors.Is(err, ErrNoClients) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close shuts every server down.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	servers := c.servers
	c.servers = make(map[string]*Server)
	c.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
