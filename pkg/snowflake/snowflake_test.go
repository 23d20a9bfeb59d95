package snowflake

import (
	"sync"
	"testing"
)

func TestNew_WorkerIDBounds(t *testing.T) {
	for _, id := range []int64{0, 1, 1023} {
		if _, err := New(id); err != nil {
			t.Errorf("New(%d): %v", id, err)
		}
	}
	for _, id := range []int64{-1, 1024, 99999} {
		if _, err := New(id); err != ErrInvalidWorkerID {
			t.Errorf("New(%d): expected ErrInvalidWorkerID, got %v", id, err)
		}
	}
}

func TestGenerate_Monotonic(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var prev int64
	for i := 0; i < 10000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestGenerate_EmbedsWorkerID(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := (id >> workerIDShift) & maxWorkerID; got != 7 {
		t.Fatalf("expected worker ID 7 embedded, got %d", got)
	}
}

func TestGenerate_ConcurrentUnique(t *testing.T) {
	g, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	ids := make([][]int64, goroutines)
	for i := 0; i < goroutines; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := make([]int64, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				id, err := g.Generate()
				if err != nil {
					t.Errorf("Generate: %v", err)
					return
				}
				out = append(out, id)
			}
			ids[i] = out
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for _, batch := range ids {
		for _, id := range batch {
			if seen[id] {
				t.Fatalf("duplicate id %d", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d ids, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestDefaultGenerator(t *testing.T) {
	if err := Init(2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a == b {
		t.Fatal("default generator produced duplicate ids")
	}
}
