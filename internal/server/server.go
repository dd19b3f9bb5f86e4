// Package server exposes the node protocol over RESP: replica registration
// and discovery, capability dispatch, and object reference resolution.
//
// Registration is bound to the connection that performed it. When a replica's
// connection drops, every id it registered is removed before any further
// lookup can observe it.
package server

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/redcon"

	"github.com/capserve/capserve/internal/metrics"
	"github.com/capserve/capserve/internal/registry"
)

type Server struct {
	addr     string
	handler  *Handler
	registry *registry.Registry
	log      zerolog.Logger

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
	clients  map[redcon.Conn]*Client
}

// Client is the per-connection state: which replica ids were registered over
// this connection and must die with it.
type Client struct {
	conn     redcon.Conn
	replicas map[string]struct{}
}

func NewServer(addr string, handler *Handler, log zerolog.Logger) *Server {
	s := &Server{
		addr:     addr,
		handler:  handler,
		registry: handler.registry,
		log:      log,
		clients:  make(map[redcon.Conn]*Client),
	}
	handler.server = s
	return s
}

// Start listens and serves until Stop. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the protocol on an existing listener until Stop. It blocks.
func (s *Server) Serve(ln net.Listener) error {
	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("node server listening")
	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	client := &Client{conn: conn, replicas: make(map[string]struct{})}
	conn.SetContext(client)

	s.mu.Lock()
	s.clients[conn] = client
	s.mu.Unlock()

	s.log.Debug().Str("remote", conn.RemoteAddr()).Msg("client connected")
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	client := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()

	if client != nil {
		for id := range client.replicas {
			if s.registry.Unregister(id) {
				s.log.Info().Str("replica", id).Msg("replica gone with its connection")
			}
		}
	}
	metrics.RegistryReplicas.Set(float64(s.registry.Len()))

	s.log.Debug().Str("remote", conn.RemoteAddr()).Err(err).Msg("client disconnected")
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	s.handler.Execute(conn, cmd.Args[0], cmd.Args[1:])
}

// track records that a replica id was registered over conn.
func (s *Server) track(conn redcon.Conn, id string) {
	if client, ok := conn.Context().(*Client); ok {
		client.replicas[id] = struct{}{}
	}
}

// untrack forgets a replica id for conn, after an explicit UNREGISTER.
func (s *Server) untrack(conn redcon.Conn, id string) {
	if client, ok := conn.Context().(*Client); ok {
		delete(client.replicas, id)
	}
}
