package chat

import (
	"context"
	"errors"
	"testing"
)

type noopAdapter struct{}

func (noopAdapter) StreamImpl(ctx context.Context, pub EventPublisher, state *RequestState, shouldStop func() bool) (*RequestState, error) {
	return state, nil
}

func TestRegistryAcquireCreatesOnce(t *testing.T) {
	calls := 0
	reg := NewRegistry(func(vendor Vendor) (Adapter, error) {
		calls++
		return noopAdapter{}, nil
	})

	key := NewInstanceKey("ws", "th")

	inst1, err := reg.Acquire(key, VendorOpenAI)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	reg.Release(key)

	inst2, err := reg.Acquire(key, VendorOpenAI)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if inst1 != inst2 {
		t.Fatal("expected the same instance to be reused")
	}
	if calls != 1 {
		t.Fatalf("adapter factory called %d times, want 1", calls)
	}
}

func TestRegistryAcquireBusy(t *testing.T) {
	reg := NewRegistry(func(vendor Vendor) (Adapter, error) {
		return noopAdapter{}, nil
	})
	key := NewInstanceKey("ws", "th")

	if _, err := reg.Acquire(key, VendorOpenAI); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := reg.Acquire(key, VendorOpenAI)
	if !errors.Is(err, ErrInstanceBusy) {
		t.Fatalf("expected ErrInstanceBusy, got %v", err)
	}
}

func TestRegistryUnknownProviderFails(t *testing.T) {
	reg := NewRegistry(func(vendor Vendor) (Adapter, error) {
		return nil, errors.New("unknown provider")
	})

	_, err := reg.Acquire(NewInstanceKey("ws", "th"), Vendor("bogus"))
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry(func(vendor Vendor) (Adapter, error) {
		return noopAdapter{}, nil
	})
	key := NewInstanceKey("ws", "th")
	reg.Remove(key)
	reg.Remove(key)

	if _, err := reg.Acquire(key, VendorOpenAI); err != nil {
		t.Fatalf("Acquire after double-remove: %v", err)
	}
}

func TestRegistryShutdownStopsAll(t *testing.T) {
	reg := NewRegistry(func(vendor Vendor) (Adapter, error) {
		return noopAdapter{}, nil
	})
	key := NewInstanceKey("ws", "th")
	inst, err := reg.Acquire(key, VendorOpenAI)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	reg.Shutdown()

	if !inst.ShouldStop() {
		t.Fatal("expected instance to be stopped after Shutdown")
	}

	// The registry should be empty; acquiring the same key creates fresh state.
	inst2, err := reg.Acquire(key, VendorOpenAI)
	if err != nil {
		t.Fatalf("Acquire after shutdown: %v", err)
	}
	if inst2 == inst {
		t.Fatal("expected a new instance after shutdown cleared the registry")
	}
}
