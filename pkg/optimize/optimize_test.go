package optimize

import (
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1024)

	if pool.Size() != 1024 {
		t.Errorf("expected size 1024, got %d", pool.Size())
	}

	buf := pool.Get()
	if len(buf) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf))
	}
	if pool.Allocated() != 1 {
		t.Errorf("expected 1 allocation, got %d", pool.Allocated())
	}

	pool.Put(buf)

	buf2 := pool.Get()
	if len(buf2) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf2))
	}
}

func TestBytePool_PutResizes(t *testing.T) {
	pool := NewBytePool(16)

	// larger buffers are trimmed to the frame size
	pool.Put(make([]byte, 32))
	for i := 0; i < 4; i++ {
		if got := len(pool.Get()); got != 16 {
			t.Fatalf("expected buffer size 16, got %d", got)
		}
	}
}

func TestBytePool_PutRejectsShort(t *testing.T) {
	pool := NewBytePool(16)

	pool.Put(make([]byte, 8))
	if got := len(pool.Get()); got != 16 {
		t.Fatalf("expected buffer size 16, got %d", got)
	}
}
