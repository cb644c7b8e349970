package tensorstore_test

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/tensor"
	"github.com/tsawler/dayson/tensorstore"
)

func open(t *testing.T) *tensorstore.Store {
	t.Helper()
	s, err := tensorstore.Open(filepath.Join(t.TempDir(), "session"), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := open(t)
	ht, err := tensor.NewHost([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}

	id, err := s.Store(ht, "W_i")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !equalShape(got.Shape(), []int{2, 3}) {
		t.Fatalf("Shape = %v, want [2 3]", got.Shape())
	}
	if !equalData(got.Data(), ht.Data()) {
		t.Fatalf("Data = %v, want %v", got.Data(), ht.Data())
	}
}

func TestLoadUnknownIDIsNotFound(t *testing.T) {
	s := open(t)
	if _, err := s.Load("bogus_00000001_x"); err == nil {
		t.Fatalf("Load: expected not-found error, got nil")
	} else if _, ok := err.(*tensorstore.ErrNotFound); !ok {
		t.Fatalf("Load: err type = %T, want *ErrNotFound", err)
	}
}

func TestOverwriteUpdatesContents(t *testing.T) {
	s := open(t)
	ht, _ := tensor.NewHost([]int{1, 2}, []float32{1, 2})
	id, err := s.Store(ht, "b")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	updated, _ := tensor.NewHost([]int{1, 2}, []float32{9, 10})
	if err := s.Overwrite(id, updated); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	got, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !equalData(got.Data(), []float32{9, 10}) {
		t.Fatalf("Data = %v, want [9 10]", got.Data())
	}
}

func TestSetRow(t *testing.T) {
	s := open(t)
	ht, _ := tensor.NewHost([]int{3, 2}, []float32{0, 0, 0, 0, 0, 0})
	id, err := s.Store(ht, "E")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := s.SetRow(id, 1, []float32{7, 8}); err != nil {
		t.Fatalf("SetRow: %v", err)
	}

	got, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	row, err := got.Row(1)
	if err != nil {
		t.Fatalf("Row: %v", err)
	}
	if !equalData(row, []float32{7, 8}) {
		t.Fatalf("row 1 = %v, want [7 8]", row)
	}
	row0, _ := got.Row(0)
	if !equalData(row0, []float32{0, 0}) {
		t.Fatalf("row 0 = %v, want [0 0]", row0)
	}
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	s := open(t)
	ht, _ := tensor.NewHost([]int{1}, []float32{1})
	id, err := s.Store(ht, "t")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	s.Delete(id)
	if _, err := s.Load(id); err == nil {
		t.Fatalf("Load after Delete: expected error, got nil")
	}
}

func TestCloneCopiesTensor(t *testing.T) {
	s := open(t)
	ht, _ := tensor.NewHost([]int{2}, []float32{3, 4})
	id, err := s.Store(ht, "orig")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	cloneID, err := s.Clone(id, "clone")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if cloneID == id {
		t.Fatalf("Clone returned same id as source")
	}
	got, err := s.Load(cloneID)
	if err != nil {
		t.Fatalf("Load clone: %v", err)
	}
	if !equalData(got.Data(), []float32{3, 4}) {
		t.Fatalf("clone data = %v, want [3 4]", got.Data())
	}
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalData(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
