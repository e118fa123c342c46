package backend_test

import (
	"context"
	"testing"

	"github.com/dabla/taskrunner/internal/backend"
)

// stubBackend is a minimal Backend for registry tests.
type stubBackend struct {
	name string
}

func (s *stubBackend) Launch(_ context.Context, _ backend.LaunchSpec) (*backend.Worker, error) {
	return nil, nil
}

func (s *stubBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: s.name, MaxConcurrency: 8}
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.Process, &stubBackend{name: "process"})
	reg.Register(backend.InProcess, &stubBackend{name: "inprocess"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d backends, want 2", len(list))
	}
	if list[0].Name != backend.InProcess || list[1].Name != backend.Process {
		t.Errorf("List() not sorted by name: %v", list)
	}
	if list[1].Capabilities.MaxConcurrency != 8 {
		t.Errorf("capabilities = %+v", list[1].Capabilities)
	}
}

func TestRegistryResolveExplicit(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.Process, &stubBackend{name: "process"})
	reg.Register(backend.InProcess, &stubBackend{name: "inprocess"})

	b, err := reg.Resolve(backend.InProcess)
	if err != nil {
		t.Fatalf("Resolve explicit: %v", err)
	}
	if b.Capabilities().Name != "inprocess" {
		t.Errorf("resolved backend name = %q, want %q", b.Capabilities().Name, "inprocess")
	}
}

func TestRegistryResolveExplicitNotRegistered(t *testing.T) {
	reg := backend.NewRegistry()

	if _, err := reg.Resolve(backend.Process); err == nil {
		t.Error("expected error for unregistered backend, got nil")
	}
}

func TestRegistryResolveAuto(t *testing.T) {
	tests := []struct {
		name       string
		registered []string
		want       string
	}{
		{"both prefer process", []string{backend.Process, backend.InProcess}, "process"},
		{"inprocess only", []string{backend.InProcess}, "inprocess"},
		{"process only", []string{backend.Process}, "process"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := backend.NewRegistry()
			for _, n := range tc.registered {
				reg.Register(n, &stubBackend{name: n})
			}
			for _, name := range []string{"", backend.Auto} {
				b, err := reg.Resolve(name)
				if err != nil {
					t.Fatalf("Resolve(%q): %v", name, err)
				}
				if b.Capabilities().Name != tc.want {
					t.Errorf("Resolve(%q) = %q, want %q", name, b.Capabilities().Name, tc.want)
				}
			}
		})
	}
}

func TestRegistryResolveAutoEmpty(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register("custom", &stubBackend{name: "custom"})

	if _, err := reg.Resolve(backend.Auto); err == nil {
		t.Error("expected error when no auto candidate is registered, got nil")
	}
}
