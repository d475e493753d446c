package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-wald/pkg/logging"
)

// ReloadFunc is invoked on SIGHUP
type ReloadFunc func() error

// GracefulServer runs the admin HTTP surface with signal-driven shutdown.
// SIGINT/SIGTERM drain in-flight requests before the process exits; SIGHUP
// triggers a configuration reload if one is wired.
type GracefulServer struct {
	server *http.Server
	logger logging.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	reloadMu sync.RWMutex
	reloadFn ReloadFunc
}

// NewGracefulServer wraps handler in an HTTP server on addr
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:           addr,
			Handler:        handler,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		logger:     logger.With(logging.Component("admin_http")),
		shutdownCh: make(chan struct{}),
	}
}

// Start serves until shut down. Blocks.
func (gs *GracefulServer) Start() error {
	go gs.handleSignals()

	gs.logger.Info("admin server listening", logging.String("addr", gs.server.Addr))
	if err := gs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections within timeout
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if shutdownErr := gs.server.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
			gs.logger.Error("shutdown error", logging.Error(shutdownErr))
		} else {
			gs.logger.Info("admin server shut down")
		}
	})
	return err
}

func (gs *GracefulServer) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			gs.logger.Info("signal received, draining", logging.String("signal", sig.String()))
			gs.Shutdown(30 * time.Second)
			return

		case syscall.SIGHUP:
			if err := gs.Reload(); err != nil {
				gs.logger.Error("reload failed", logging.Error(err))
			}
		}
	}
}

// ShutdownChannel closes once shutdown begins; the engine watches it to
// stop its own services in order
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetReloadFunc wires the SIGHUP handler
func (gs *GracefulServer) SetReloadFunc(fn ReloadFunc) {
	gs.reloadMu.Lock()
	defer gs.reloadMu.Unlock()
	gs.reloadFn = fn
}

// Reload runs the configured reload function
func (gs *GracefulServer) Reload() error {
	gs.reloadMu.RLock()
	fn := gs.reloadFn
	gs.reloadMu.RUnlock()
	if fn == nil {
		return nil
	}
	gs.logger.Info("reloading configuration")
	return fn()
}
