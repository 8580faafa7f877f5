package idgen

import (
	"strings"
	"sync"
	"testing"
)

func TestSequence_StartsAtOne(t *testing.T) {
	var s Sequence
	if got := s.Current(); got != 0 {
		t.Fatalf("expected initial value 0, got %d", got)
	}
	if got := s.Next(); got != 1 {
		t.Fatalf("expected first id 1, got %d", got)
	}
	if got := s.Next(); got != 2 {
		t.Fatalf("expected second id 2, got %d", got)
	}
}

func TestSequence_Resume(t *testing.T) {
	s := NewSequence(41)
	if got := s.Next(); got != 42 {
		t.Fatalf("expected 42 after resume, got %d", got)
	}
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	var s Sequence
	const n = 500

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool, n)
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			id := s.Next()
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate id %d", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()

	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("gap at id %d", i)
		}
	}
	if s.Current() != n {
		t.Errorf("expected counter %d, got %d", n, s.Current())
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("evt_")
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("expected evt_ prefix, got %s", id)
	}
	if len(id) != len("evt_")+24 {
		t.Fatalf("unexpected length %d", len(id))
	}
	if WithPrefix("evt_") == id {
		t.Fatal("expected distinct ids")
	}
}
