package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server accepts inbound peer connections and runs a Handler for each one.
type Server struct {
	Handler *Handler
	Logger  *zap.Logger
}

// ListenAndServe binds addr and serves until ctx is cancelled. A bind
// failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled or ln is closed, then waits for
// every connection handler to finish. Accept errors are logged and retried.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := orNop(s.Logger)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	logger.Info("accepting connections", zap.Stringer("addr", ln.Addr()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logger.Warn("accept error", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		logger.Debug("accepted connection", zap.Stringer("remote", conn.RemoteAddr()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Handler.Serve(ctx, conn)
		}()
	}
}
