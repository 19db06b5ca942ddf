package main

import (
	"context"
	"os"
	"testing"

	"github.com/juleago/julea/internal/backend"
	_ "github.com/juleago/julea/internal/backend/driver/memory"
	"github.com/juleago/julea/internal/config"
	"github.com/juleago/julea/internal/julea"
)

// newTestGateway builds a gateway around a fully in-process julea.Client
// (the memory driver supports ComponentClient for all three kinds), so
// handler tests need no network listener or connection pool.
func newTestGateway(t *testing.T) *gateway {
	t.Helper()
	cfg := &config.Configuration{
		Object: config.BackendConfig{Backend: "memory", Component: config.ComponentClient},
		KV:     config.BackendConfig{Backend: "memory", Component: config.ComponentClient},
		DB:     config.BackendConfig{Backend: "memory", Component: config.ComponentClient},
	}
	c, err := julea.NewClient(context.Background(), cfg, backend.DefaultRegistry, julea.Pools{}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return &gateway{client: c, numObjectServers: 1}
}

func TestGetenv(t *testing.T) {
	t.Setenv("COORDINATOR_TEST_VAR", "set")
	if got := getenv("COORDINATOR_TEST_VAR", "default"); got != "set" {
		t.Errorf("getenv = %q, want %q", got, "set")
	}
	os.Unsetenv("COORDINATOR_TEST_VAR")
	if got := getenv("COORDINATOR_TEST_VAR", "default"); got != "default" {
		t.Errorf("getenv = %q, want %q", got, "default")
	}
}

func TestGetenvUint(t *testing.T) {
	t.Setenv("COORDINATOR_TEST_BYTES", "4096")
	if got := getenvUint("COORDINATOR_TEST_BYTES", 1); got != 4096 {
		t.Errorf("getenvUint = %d, want 4096", got)
	}
	os.Unsetenv("COORDINATOR_TEST_BYTES")
	if got := getenvUint("COORDINATOR_TEST_BYTES", 1); got != 1 {
		t.Errorf("getenvUint default = %d, want 1", got)
	}
}

func TestServerCount(t *testing.T) {
	if n := serverCount(nil); n != 1 {
		t.Errorf("serverCount(nil) = %d, want 1", n)
	}
	if n := serverCount([]string{"a", "b"}); n != 2 {
		t.Errorf("serverCount = %d, want 2", n)
	}
}

func TestSplitPath(t *testing.T) {
	parts, ok := splitPath("/kv/ns/a/b", "/kv/", 2)
	if !ok || parts[0] != "ns" || parts[1] != "a/b" {
		t.Errorf("splitPath = %v, %v", parts, ok)
	}
	if _, ok := splitPath("/kv/", "/kv/", 2); ok {
		t.Error("expected empty path to fail")
	}
	if _, ok := splitPath("/kv/ns", "/kv/", 2); ok {
		t.Error("expected too-few-segments to fail")
	}
}
