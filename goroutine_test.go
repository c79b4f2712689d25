package scopez

import "testing"

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	if id == 0 {
		t.Fatal("Expected a goroutine id")
	}
	if again := goroutineID(); again != id {
		t.Errorf("Expected a stable id, got %d then %d", id, again)
	}

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	if got := <-other; got == id || got == 0 {
		t.Errorf("Expected a distinct id for another goroutine, got %d", got)
	}
}
