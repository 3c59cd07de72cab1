package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"palletspace/internal/config"
)

func TestNewServer_NilConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	if _, err := NewServer(nil, logger); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestNewServer_NilLogger(t *testing.T) {
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestNewServer_Defaults(t *testing.T) {
	s := newTestServer(t)

	if s.Validator == nil {
		t.Error("expected validator to be initialized")
	}
	if s.Metrics == nil {
		t.Error("expected a noop metrics collector by default")
	}
	if s.Router() == nil {
		t.Error("expected router to be initialized")
	}
}

func TestShutdown_RunsHooksInOrder(t *testing.T) {
	s := newTestServer(t)

	var order []string
	s.RegisterOnShutdown(func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	s.RegisterOnShutdown(func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected hooks in registration order, got %v", order)
	}
}

func TestShutdown_HookErrorAborts(t *testing.T) {
	s := newTestServer(t)

	ran := false
	s.RegisterOnShutdown(func(ctx context.Context) error {
		return errors.New("pool close failed")
	})
	s.RegisterOnShutdown(func(ctx context.Context) error {
		ran = true
		return nil
	})

	if err := s.Shutdown(context.Background()); err == nil {
		t.Error("expected hook error to propagate")
	}
	if ran {
		t.Error("expected later hooks to be skipped after an error")
	}
}
