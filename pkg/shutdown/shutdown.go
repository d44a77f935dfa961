package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mailtriage/email-agent/pkg/logging"
)

// Hook is a named cleanup step.
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	hooks    []Hook
	mu       sync.Mutex
	timeout  time.Duration
	doneChan chan struct{}
	once     sync.Once
	logger   *logging.Logger
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
		logger:   logger.Named("shutdown"),
	}
}

// Register adds a shutdown hook. Hooks run in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then marks shutdown as
// started.
func (m *Manager) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("shutdown.signal", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("shutdown.context_done")
	}
	m.Trigger()
}

// Trigger marks shutdown as started without waiting for a signal.
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs every hook, newest first, within the manager's timeout and
// returns the number of hooks that failed.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	failed := 0
	for i := len(m.hooks) - 1; i >= 0; i-- {
		hook := m.hooks[i]
		if err := hook.Fn(ctx); err != nil {
			failed++
			m.logger.WithError(err).Error("shutdown.hook_failed", map[string]interface{}{"hook": hook.Name})
			continue
		}
		m.logger.Debug("shutdown.hook_done", map[string]interface{}{"hook": hook.Name})
	}

	m.logger.Info("shutdown.complete", map[string]interface{}{"hooks": len(m.hooks), "failed": failed})
	return failed
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}

// CancelFunc wraps a context.CancelFunc so background loops stop as a hook.
func CancelFunc(cancel context.CancelFunc) func(context.Context) error {
	return func(context.Context) error {
		cancel()
		return nil
	}
}
