package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/scmbridge/cbsync/internal/types"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.IsRegistered(types.TransportREST) {
		t.Fatal("empty registry reports rest as registered")
	}

	r.Register(types.TransportWeb, func(context.Context) (Transport, error) {
		return newFakeTransport(types.TransportWeb), nil
	})
	r.Register(types.TransportREST, func(context.Context) (Transport, error) {
		return newFakeTransport(types.TransportREST), nil
	})

	got := r.List()
	if len(got) != 2 || got[0] != types.TransportREST || got[1] != types.TransportWeb {
		t.Errorf("List() = %v, want [rest web]", got)
	}

	tr, err := r.New(context.Background(), types.TransportWeb)
	if err != nil {
		t.Fatalf("New(web) error: %v", err)
	}
	if tr.Kind() != types.TransportWeb {
		t.Errorf("Kind() = %q, want web", tr.Kind())
	}
}

func TestRegistryNewErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New(context.Background(), types.TransportREST); err == nil {
		t.Error("New() on empty registry should fail")
	}

	boom := errors.New("boom")
	r.Register(types.TransportREST, func(context.Context) (Transport, error) { return nil, boom })
	if _, err := r.New(context.Background(), types.TransportREST); !errors.Is(err, boom) {
		t.Errorf("New() error = %v, want wrapped boom", err)
	}
}
