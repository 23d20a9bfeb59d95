package health

import (
	"errors"
	"testing"
	"time"
)

func TestLoopMonitor_NeverTicked(t *testing.T) {
	var m LoopMonitor
	ok, age, lastErr := m.Healthy(time.Now(), time.Second)
	if ok {
		t.Fatal("expected unhealthy before first tick")
	}
	if age != 0 || lastErr != "" {
		t.Fatalf("unexpected age=%v lastErr=%q", age, lastErr)
	}
}

func TestLoopMonitor_Healthy(t *testing.T) {
	var m LoopMonitor
	m.Tick()

	ok, age, _ := m.Healthy(time.Now(), time.Second)
	if !ok {
		t.Fatalf("expected healthy right after tick, age=%v", age)
	}
}

func TestLoopMonitor_Stale(t *testing.T) {
	var m LoopMonitor
	m.Tick()

	later := time.Now().Add(5 * time.Second)
	ok, age, _ := m.Healthy(later, time.Second)
	if ok {
		t.Fatal("expected stale loop to be unhealthy")
	}
	if age < 4*time.Second {
		t.Fatalf("unexpected age %v", age)
	}
}

func TestLoopMonitor_DefaultMaxAge(t *testing.T) {
	var m LoopMonitor
	m.Tick()

	later := time.Now().Add(5 * time.Second)
	if ok, _, _ := m.Healthy(later, 0); !ok {
		t.Fatal("5s old tick should pass the 10s default")
	}

	later = time.Now().Add(15 * time.Second)
	if ok, _, _ := m.Healthy(later, 0); ok {
		t.Fatal("15s old tick should fail the 10s default")
	}
}

func TestLoopMonitor_ClockSkew(t *testing.T) {
	var m LoopMonitor
	m.Tick()

	past := time.Now().Add(-time.Minute)
	ok, age, _ := m.Healthy(past, time.Second)
	if !ok || age != 0 {
		t.Fatalf("tick in the apparent future should be healthy, ok=%v age=%v", ok, age)
	}
}

func TestLoopMonitor_LastError(t *testing.T) {
	var m LoopMonitor
	if got := m.LastError(); got != "" {
		t.Fatalf("expected empty last error, got %q", got)
	}

	m.SetError(errors.New("read timeout"))
	m.SetError(nil) // nil must not clear the last error
	if got := m.LastError(); got != "read timeout" {
		t.Fatalf("expected last error kept, got %q", got)
	}

	m.Tick()
	_, _, lastErr := m.Healthy(time.Now(), time.Second)
	if lastErr != "read timeout" {
		t.Fatalf("expected last error surfaced, got %q", lastErr)
	}
}
