// Package server exposes the loader service and operator views over HTTP,
// with a websocket stream for job progress.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/demand"
	"github.com/teranos/codeload/extraction"
	"github.com/teranos/codeload/loader"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/pulse/budget"
	"github.com/teranos/codeload/sources"
)

// Deps are the components the server exposes. Pool and Budget may be nil.
type Deps struct {
	Service  *loader.Service
	Queue    *async.Queue
	Registry *sources.Registry
	Cache    *extraction.Cache
	Demand   *demand.Tracker
	Budget   *budget.Tracker
	Pool     *async.WorkerPool
}

// Server is the codeload HTTP API
type Server struct {
	deps           Deps
	allowedOrigins []string
	logger         *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32

	mu         sync.Mutex
	httpServer *http.Server
	clients    map[*Client]bool
}

// New creates a server. cfg supplies allowed CORS/websocket origins.
func New(deps Deps, cfg *am.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:    deps,
		logger:  logger.ComponentLogger("server"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]bool),
	}
	if cfg != nil {
		s.allowedOrigins = cfg.Server.AllowedOrigins
	}
	s.setState(ServerStateRunning)
	return s
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getState() != ServerStateRunning {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of open job streams
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
