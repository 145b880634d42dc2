package airhub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Server runs a Hub on a TCP listener.
type Server struct {
	hub      *Hub
	listener net.Listener
	srv      *http.Server
}

// Listen binds addr (":0" picks a free port) for hub.
func Listen(addr string, hub *Hub) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start hub: %w", err)
	}
	return &Server{
		hub:      hub,
		listener: listener,
		srv:      &http.Server{Handler: hub, ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve blocks until ctx is cancelled, then detaches every station and
// shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
