package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// CreateServer creates an HTTP server for addr with production timeouts. The
// write timeout is left to the WebSocket pumps, which set per-frame deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ShutdownServer gracefully shuts down the HTTP server, waiting for active
// requests until timeout.
func ShutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Run serves on the configured address, running the liveness sweep and the
// notification processor alongside, until ctx is cancelled. It then stops
// accepting requests, disconnects every client and waits for background work
// up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := CreateServer(s.cfg.Addr, s.Handler())

	bg, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.hub.Run(bg)
	}()
	if s.notify != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.notify.Run(bg)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info("shutting down HTTP server")
	if err := ShutdownServer(srv, shutdownTimeout); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.Close()

	hubCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.hub.Shutdown(hubCtx); err != nil {
		s.logger.Warn("hub shutdown incomplete", "error", err)
	}
	stop()
	wg.Wait()
	s.logger.Info("server stopped")
	return serveErr
}

// Close detaches the server from the event log. Connections are left to
// Run or Hub().Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(s.detach)
}
