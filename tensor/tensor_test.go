package tensor_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tsawler/dayson/tensor"
)

// T1: for every tensor record written, reading its header back yields the
// same shape and length == product(dims).
func TestWriteToReadHostFromRoundTripHeaderAndShape(t *testing.T) {
	shape := []int{2, 3, 4}
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	ht, err := tensor.NewHost(shape, data)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}

	var buf bytes.Buffer
	if err := ht.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	read, err := tensor.ReadHostFrom(&buf)
	if err != nil {
		t.Fatalf("ReadHostFrom: %v", err)
	}
	if got, want := read.Shape(), shape; !intSliceEqual(got, want) {
		t.Fatalf("shape = %v, want %v", got, want)
	}
	if read.Len() != 24 {
		t.Fatalf("Len() = %d, want 24", read.Len())
	}
}

// R1 (record level): store(write)/load(read) of a tensor record produces a
// tensor bitwise-equal to the original.
func TestRecordRoundTripBitwiseEqual(t *testing.T) {
	shape := []int{5, 7}
	data := make([]float32, 35)
	for i := range data {
		data[i] = float32(i)*1.25 - 3
	}
	ht, err := tensor.NewHost(shape, data)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}

	var buf bytes.Buffer
	if err := ht.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	read, err := tensor.ReadHostFrom(&buf)
	if err != nil {
		t.Fatalf("ReadHostFrom: %v", err)
	}

	got := read.Data()
	if len(got) != len(data) {
		t.Fatalf("data length = %d, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("data[%d] = %v, want %v (not bitwise equal)", i, got[i], data[i])
		}
	}
}

// B2: an empty tensor (length 0) round-trips as a no-op on the data region,
// with the header still validating.
func TestEmptyTensorRoundTrip(t *testing.T) {
	ht, err := tensor.Zeros([]int{0, 5})
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}
	if ht.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", ht.Len())
	}

	var buf bytes.Buffer
	if err := ht.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	read, err := tensor.ReadHostFrom(&buf)
	if err != nil {
		t.Fatalf("ReadHostFrom: %v", err)
	}
	if read.Len() != 0 {
		t.Fatalf("Len() after round trip = %d, want 0", read.Len())
	}
	if len(read.Data()) != 0 {
		t.Fatalf("Data() after round trip has %d elements, want 0", len(read.Data()))
	}
}

// B1: a header whose rank is 0, negative, > MaxRank, or whose dims don't
// multiply out to the declared length must fail with ErrCorrupt.
func TestReadHostFromRejectsCorruptHeaders(t *testing.T) {
	cases := []struct {
		name string
		buf  func() *bytes.Buffer
	}{
		{
			name: "rank zero",
			buf: func() *bytes.Buffer {
				var b bytes.Buffer
				binary.Write(&b, binary.LittleEndian, int32(0))
				return &b
			},
		},
		{
			name: "rank negative",
			buf: func() *bytes.Buffer {
				var b bytes.Buffer
				binary.Write(&b, binary.LittleEndian, int32(-1))
				return &b
			},
		},
		{
			name: "rank too large",
			buf: func() *bytes.Buffer {
				var b bytes.Buffer
				binary.Write(&b, binary.LittleEndian, int32(tensor.MaxRank+1))
				return &b
			},
		},
		{
			name: "length does not match dims product",
			buf: func() *bytes.Buffer {
				var b bytes.Buffer
				binary.Write(&b, binary.LittleEndian, int32(2))
				binary.Write(&b, binary.LittleEndian, int32(3))
				binary.Write(&b, binary.LittleEndian, int32(4))
				binary.Write(&b, binary.LittleEndian, int64(999))
				return &b
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := tensor.ReadHostFrom(c.buf())
			if err == nil {
				t.Fatalf("expected error for corrupt header")
			}
			if _, ok := err.(*tensor.ErrCorrupt); !ok {
				t.Fatalf("err type = %T, want *tensor.ErrCorrupt", err)
			}
		})
	}
}

// fakeHeap is a minimal tensor.DeviceHeap for exercising DeviceTensor's
// release/use-after-free contract without a real device backend.
type fakeHeap struct {
	data     []float32
	released bool
}

func (h *fakeHeap) ReadBack(handle uint64) ([]float32, error) {
	out := make([]float32, len(h.data))
	copy(out, h.data)
	return out, nil
}

func (h *fakeHeap) Release(handle uint64) { h.released = true }

// T3: a follow-up operation on a device tensor after its buffer has been
// released is a use-after-free and must panic/abort cleanly, not return an
// ordinary error.
func TestRetrieveHostPanicsAfterRelease(t *testing.T) {
	heap := &fakeHeap{data: []float32{1, 2, 3}}
	dt, err := tensor.NewDevice([]int{3}, heap, 1)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	if _, err := dt.RetrieveHost(); err != nil {
		t.Fatalf("RetrieveHost before release: %v", err)
	}

	dt.Release()
	if !heap.released {
		t.Fatalf("expected heap.Release to have been called")
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected RetrieveHost to panic after Release")
		}
	}()
	dt.RetrieveHost()
}

func intSliceEqual(a, b []int) bool {
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
