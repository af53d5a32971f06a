package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/hotelgate/internal/logging"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Start binds the listener
	Start(ctx context.Context) error

	// Serve blocks accepting connections until Stop
	Serve() error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the address the listener is bound to
	Addr() string
}

// Manager runs a fixed set of listeners as one unit: if any of them fails,
// all of them are stopped.
type Manager struct {
	mu        sync.RWMutex
	listeners []Listener
	ids       map[string]bool
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{ids: make(map[string]bool)}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[l.ID()] {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}
	m.ids[l.ID()] = true
	m.listeners = append(m.listeners, l)
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		if l.ID() == id {
			return l, true
		}
	}
	return nil, false
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// StartAll binds every listener in order. On failure the ones already
// bound are stopped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, l := range m.listeners {
		if err := l.Start(ctx); err != nil {
			for _, started := range m.listeners[:i] {
				started.Stop(ctx)
			}
			return fmt.Errorf("listener %s: %w", l.ID(), err)
		}
		logging.Info("Listener started", zap.String("id", l.ID()), zap.String("addr", l.Addr()))
	}
	return nil
}

// Run serves all started listeners until ctx is cancelled or one of them
// fails, then stops every listener, allowing shutdownTimeout for in-flight
// requests to drain.
func (m *Manager) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			if err := l.Serve(); err != nil {
				return fmt.Errorf("listener %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return m.StopAll(stopCtx)
	})
	return g.Wait()
}

// StopAll gracefully stops all listeners
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.listeners))

	for _, l := range m.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("Stopping listener", zap.String("id", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
