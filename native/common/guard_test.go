package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursStaticPauses(t *testing.T) {
	pauses := StaticPauses{"market": true}
	if err := Guard(pauses, "market"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "bank"); err != nil {
		t.Fatalf("unexpected error for unpaused module: %v", err)
	}
	if err := Guard(nil, "market"); err != nil {
		t.Fatalf("nil pause view must not block: %v", err)
	}
}

func TestReentrancyGuardRejectsNestedEntry(t *testing.T) {
	var guard ReentrancyGuard
	release, err := guard.Enter()
	if err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if !guard.Active() {
		t.Fatalf("guard should be active")
	}
	if _, err := guard.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	release()
	release()
	if guard.Active() {
		t.Fatalf("guard should be released")
	}
	again, err := guard.Enter()
	if err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
	again()
}

func TestReentrancyGuardStaleReleaseDoesNotUnlockNewHolder(t *testing.T) {
	var guard ReentrancyGuard
	first, err := guard.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	first()
	second, err := guard.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer second()
	first()
	if !guard.Active() {
		t.Fatalf("stale release must not clear a newer holder")
	}
}
