// Package refresh runs the browser refresh server: a websocket hub that
// receives in-place static updates and reload requests.
package refresh

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adalundhe/relaunch/core/report"
)

//go:embed client.js
var clientScript []byte

// DefaultAddr listens on an ephemeral loopback port.
const DefaultAddr = "127.0.0.1:0"

const writeTimeout = 5 * time.Second

var (
	// ErrNoClients indicates no browser received a message.
	ErrNoClients = errors.New("no connected refresh clients")

	// ErrNotStarted indicates the server is not listening.
	ErrNotStarted = errors.New("refresh server not started")
)

// Message types understood by the client script.
const (
	TypeUpdateStaticFile = "UpdateStaticFile"
	TypeReload           = "Reload"
)

// Message is sent to clients as JSON.
type Message struct {
	Type    string `json:"type"`
	Project string `json:"project,omitempty"`

	// Path is the file path relative to its content root, slash separated.
	Path    string `json:"path,omitempty"`
	Content []byte `json:"content,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(deadline time.Time, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is one refresh endpoint.
type Server struct {
	addr     string
	reporter report.Reporter
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	clients  map[*client]struct{}
	roots    []string
}

// NewServer creates a Server for addr. Empty addr uses DefaultAddr.
func NewServer(addr string, reporter report.Reporter) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if reporter == nil {
		reporter = report.Discard{}
	}
	return &Server{
		addr:     addr,
		reporter: reporter,
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/relaunch.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(clientScript)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report.Warn(s.reporter, "refresh server stopped", slog.String("error", err.Error()))
		}
	}()

	report.Verbose(s.reporter, "refresh server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Endpoint returns the websocket URL.
func (s *Server) Endpoint() string {
	return "ws://" + s.Addr() + "/ws"
}

// ScriptURL returns the URL of the client script.
func (s *Server) ScriptURL() string {
	return "http://" + s.Addr() + "/relaunch.js"
}

// SetContentRoots sets the directories Push paths are made relative to.
func (s *Server) SetContentRoots(roots []string) {
	s.mu.Lock()
	s.roots = append([]string(nil), roots...)
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		report.Verbose(s.reporter, "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// Reads only detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(c)
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.conn.Close()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Push sends an updated static file to every client. It succeeds when at
// least one client received the message.
func (s *Server) Push(ctx context.Context, projectKey, filePath string, content []byte) error {
	return s.broadcast(ctx, Message{
		Type:    TypeUpdateStaticFile,
		Project: projectKey,
		Path:    s.relativePath(filePath),
		Content: content,
	})
}

// Reload asks every client to reload once the application answers again.
func (s *Server) Reload(ctx context.Context) error {
	return s.broadcast(ctx, Message{Type: TypeReload})
}

func (s *Server) relativePath(path string) string {
	s.mu.Lock()
	roots := s.roots
	s.mu.Unlock()

	for _, root := range roots {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(path)
}

func (s *Server) broadcast(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	delivered := 0
	for _, c := range clients {
		if ctx.Err() != nil {
			break
		}
		if err := c.write(deadline, data); err != nil {
			s.drop(c)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return ErrNoClients
	}
	return nil
}

// Close stops the server and disconnects every client.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
