package swapstore_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/swapstore"
	"github.com/tsawler/dayson/tensor"
)

func open(t *testing.T) *swapstore.Store {
	t.Helper()
	s, err := swapstore.Open(t.TempDir(), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSwapOutLoadRoundTrip(t *testing.T) {
	s := open(t)
	ht, err := tensor.NewHost([]int{1, 4}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}

	path, err := s.SwapOut(ht, "h_init")
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}

	got, err := s.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i, v := range got.Data() {
		if v != ht.Data()[i] {
			t.Fatalf("Data[%d] = %v, want %v", i, v, ht.Data()[i])
		}
	}
}

func TestClearAllEmptiesDirectory(t *testing.T) {
	s := open(t)
	for i := 0; i < 5; i++ {
		ht, _ := tensor.NewHost([]int{1}, []float32{float32(i)})
		if _, err := s.SwapOut(ht, "act"); err != nil {
			t.Fatalf("SwapOut: %v", err)
		}
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Fatalf("Count before ClearAll = %d, want 5", n)
	}
	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	n, err = s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("Count after ClearAll = %d, want 0", n)
	}
}

func TestDeleteSingleFile(t *testing.T) {
	s := open(t)
	ht, _ := tensor.NewHost([]int{1}, []float32{1})
	path, err := s.SwapOut(ht, "x")
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if err := s.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(path); err == nil {
		t.Fatalf("Load after Delete: expected error, got nil")
	}
}
