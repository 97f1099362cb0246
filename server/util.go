package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/teranos/codeload/errors"
)

// upgrader creates a WebSocket upgrader that checks origins against config
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates the Origin header against server.allowed_origins.
// Requests without an Origin (CLI clients, tests) are allowed. With no
// configured origins only localhost is accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	// Prefix matching allows any port
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// findAvailablePort returns port or the next free one within a small range
func findAvailablePort(requestedPort int) (int, error) {
	const maxAttempts = 10
	for i := 0; i < maxAttempts; i++ {
		port := requestedPort + i
		if isPortAvailable(port) {
			return port, nil
		}
	}
	return 0, errors.Newf("no available port in range %d-%d", requestedPort, requestedPort+maxAttempts-1)
}
