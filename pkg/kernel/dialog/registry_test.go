package dialog

import "testing"

func TestRegistryRejectsDuplicateLiveInstance(t *testing.T) {
	r := NewRegistry()
	id := Id{SelfID: "r1", RootID: "r1"}
	if err := r.Register(New(id, "pangu", nil)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(New(id, "pangu", nil)); err == nil {
		t.Fatal("expected an error registering a second live instance for the same id")
	}
}

func TestRegistryGetAndUnregister(t *testing.T) {
	r := NewRegistry()
	id := Id{SelfID: "r1", RootID: "r1"}
	d := New(id, "pangu", nil)
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Get(id)
	if !ok || got != d {
		t.Fatalf("Get returned %v, %v", got, ok)
	}
	r.Unregister(id)
	if _, ok := r.Get(id); ok {
		t.Fatal("expected instance to be gone after Unregister")
	}
}
