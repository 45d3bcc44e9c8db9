// ABOUTME: HTTP server lifecycle for the echo agent
// ABOUTME: Listens, serves until the context ends, then shuts down gracefully

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Run listens on addr and serves until ctx ends.
func (h *EchoHandler) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (h *EchoHandler) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("echo agent listening", "addr", ln.Addr().String(), "version", ServiceVersion)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.logger.Info("shutting down echo agent")
	return srv.Shutdown(shutdownCtx)
}
