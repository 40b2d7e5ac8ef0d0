package graceful

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/request-gateway/payment_service/pkg/logger"
)

// Shutdowner is implemented by background workers
type Shutdowner interface {
	Shutdown(timeout time.Duration) error
}

// ShutdownManager stops workers, then the HTTP server, then closes resources, in that order
type ShutdownManager struct {
	server      *http.Server
	shutdowners []Shutdowner
	closers     []namedCloser
	hooks       []func(context.Context) error
	timeout     time.Duration
	logger      *logger.Logger
}

type namedCloser struct {
	name string
	c    io.Closer
}

func NewShutdownManager(server *http.Server, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{server: server, timeout: timeout, logger: log}
}

func (sm *ShutdownManager) Register(s Shutdowner) {
	sm.shutdowners = append(sm.shutdowners, s)
}

// RegisterCloser adds a resource closed after the server has drained
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.closers = append(sm.closers, namedCloser{name: name, c: c})
}

// RegisterHook adds a context-aware flush such as a tracer provider shutdown
func (sm *ShutdownManager) RegisterHook(fn func(context.Context) error) {
	sm.hooks = append(sm.hooks, fn)
}

// WaitForShutdown blocks until SIGINT or SIGTERM, or until ctx is done
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	}
	sm.Shutdown()
}

// Shutdown runs the ordered teardown
func (sm *ShutdownManager) Shutdown() {
	sm.logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	for _, s := range sm.shutdowners {
		if err := s.Shutdown(sm.timeout); err != nil {
			sm.logger.Warn("Component shutdown error", "error", err)
		}
	}

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.Error("Server forced shutdown", "error", err)
		}
	}

	for _, hook := range sm.hooks {
		if err := hook(ctx); err != nil {
			sm.logger.Warn("Shutdown hook error", "error", err)
		}
	}

	for _, nc := range sm.closers {
		if err := nc.c.Close(); err != nil {
			sm.logger.Warn("Close error", "resource", nc.name, "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}
