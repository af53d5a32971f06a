package listener

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockListener is a simple implementation of Listener for testing
type mockListener struct {
	id       string
	addr     string
	startErr error
	serveErr error
	stopErr  error

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func newMock(id string) *mockListener {
	return &mockListener{id: id, addr: "127.0.0.1:0", done: make(chan struct{})}
}

func (m *mockListener) ID() string   { return m.id }
func (m *mockListener) Addr() string { return m.addr }

func (m *mockListener) Start(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started.Store(true)
	return nil
}

func (m *mockListener) Serve() error {
	if m.serveErr != nil {
		return m.serveErr
	}
	<-m.done
	return nil
}

func (m *mockListener) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	m.stopOnce.Do(func() { close(m.done) })
	return m.stopErr
}

func TestManagerAdd(t *testing.T) {
	m := NewManager()

	l := newMock("test1")
	if err := m.Add(l); err != nil {
		t.Errorf("Add failed: %v", err)
	}
	if err := m.Add(l); err == nil {
		t.Error("Add should fail for duplicate listener ID")
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 listener, got %d", m.Count())
	}
	if got, ok := m.Get("test1"); !ok || got != l {
		t.Error("Get should return the added listener")
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get should miss unknown ids")
	}
}

func TestManagerStartAll(t *testing.T) {
	m := NewManager()

	l1 := newMock("l1")
	l2 := newMock("l2")
	m.Add(l1)
	m.Add(l2)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if !l1.started.Load() || !l2.started.Load() {
		t.Error("all listeners should be started")
	}
}

func TestManagerStartAllStopsStartedOnError(t *testing.T) {
	m := NewManager()

	good := newMock("good")
	bad := newMock("bad")
	bad.startErr = errors.New("address in use")
	m.Add(good)
	m.Add(bad)

	err := m.StartAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "address in use") {
		t.Fatalf("expected start error, got %v", err)
	}
	if !good.stopped.Load() {
		t.Error("already started listener should be stopped")
	}
}

func TestManagerStopAllWithErrors(t *testing.T) {
	m := NewManager()

	good := newMock("good")
	bad := newMock("bad")
	bad.stopErr = errors.New("stop failed")
	m.Add(good)
	m.Add(bad)

	err := m.StopAll(context.Background())
	if err == nil {
		t.Fatal("StopAll should return an error when a listener fails to stop")
	}
	if !strings.Contains(err.Error(), "stop failed") {
		t.Errorf("error should contain underlying cause, got: %v", err)
	}
	if !good.stopped.Load() {
		t.Error("good listener should still be stopped")
	}
}

func TestManagerRunStopsOnCancel(t *testing.T) {
	m := NewManager()

	l1 := newMock("main")
	l2 := newMock("admin")
	m.Add(l1)
	m.Add(l2)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx, time.Second) }()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !l1.stopped.Load() || !l2.stopped.Load() {
		t.Error("all listeners should be stopped")
	}
}

func TestManagerRunStopsOthersWhenOneFails(t *testing.T) {
	m := NewManager()

	healthy := newMock("main")
	broken := newMock("admin")
	broken.serveErr = errors.New("accept failed")
	m.Add(healthy)
	m.Add(broken)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background(), time.Second) }()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "accept failed") {
			t.Errorf("expected serve error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a listener failed")
	}
	if !healthy.stopped.Load() {
		t.Error("healthy listener should be stopped")
	}
}
