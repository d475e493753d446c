package server

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestGracefulServer_Reload(t *testing.T) {
	gs := NewGracefulServer(":0", http.NewServeMux(), nil)

	reloadCalled := false
	gs.SetReloadFunc(func() error {
		reloadCalled = true
		return nil
	})

	if err := gs.Reload(); err != nil {
		t.Errorf("Reload() error = %v", err)
	}
	if !reloadCalled {
		t.Error("reload function was not called")
	}
}

func TestGracefulServer_ReloadWithoutFunc(t *testing.T) {
	gs := NewGracefulServer(":0", http.NewServeMux(), nil)
	if err := gs.Reload(); err != nil {
		t.Errorf("Reload() without a function should be a no-op, got %v", err)
	}
}

func TestGracefulServer_ReloadError(t *testing.T) {
	gs := NewGracefulServer(":0", http.NewServeMux(), nil)

	wantErr := errors.New("bad config")
	gs.SetReloadFunc(func() error { return wantErr })

	if err := gs.Reload(); !errors.Is(err, wantErr) {
		t.Errorf("Reload() error = %v, want %v", err, wantErr)
	}
}

func TestGracefulServer_ShutdownIsIdempotent(t *testing.T) {
	gs := NewGracefulServer("127.0.0.1:0", http.NewServeMux(), nil)

	done := make(chan error, 1)
	go func() { done <- gs.Start() }()
	time.Sleep(50 * time.Millisecond)

	if err := gs.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := gs.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	select {
	case <-gs.ShutdownChannel():
	default:
		t.Error("shutdown channel should be closed")
	}
	if err := <-done; err != nil {
		t.Errorf("Start() returned %v after shutdown", err)
	}
}
