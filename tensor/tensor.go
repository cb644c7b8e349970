// Package tensor implements the on-disk tensor record format and the two
// in-memory tensor variants (host-resident, device-resident) that every
// store and engine in Dayson passes around.
package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxRank is the largest rank a tensor record may declare on disk.
const MaxRank = 10

// DeviceHeap is the capability a device-resident tensor needs from whatever
// owns its backing buffer. engine.DeviceEngine implements this; tensor itself has
// no notion of "device" beyond this interface, which keeps the dependency
// pointed the right way (engine imports tensor, not the reverse).
type DeviceHeap interface {
	ReadBack(handle uint64) ([]float32, error)
	Release(handle uint64)
}

func product(shape []int) int64 {
	var n int64 = 1
	for _, d := range shape {
		n *= int64(d)
	}
	return n
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func validateShape(shape []int) error {
	if len(shape) < 1 || len(shape) > MaxRank {
		return fmt.Errorf("tensor: rank %d out of range [1,%d]", len(shape), MaxRank)
	}
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("tensor: negative dimension %d", d)
		}
	}
	return nil
}

// HostTensor is a dense row-major float32 buffer resident in host memory.
type HostTensor struct {
	shape []int
	data  []float32
}

// NewHost builds a HostTensor, rejecting NaN/Inf in the supplied data and
// any mismatch between len(data) and the shape's element count.
func NewHost(shape []int, data []float32) (*HostTensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := product(shape)
	if int64(len(data)) != n {
		return nil, fmt.Errorf("tensor: data length %d does not match shape product %d", len(data), n)
	}
	for _, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("tensor: NaN/Inf in host-provided data")
		}
	}
	return &HostTensor{shape: cloneShape(shape), data: data}, nil
}

// Zeros builds a zero-filled HostTensor of the given shape.
func Zeros(shape []int) (*HostTensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &HostTensor{shape: cloneShape(shape), data: make([]float32, product(shape))}, nil
}

func (t *HostTensor) Shape() []int    { return cloneShape(t.shape) }
func (t *HostTensor) Len() int64      { return product(t.shape) }
func (t *HostTensor) Data() []float32 { return t.data }

// Row returns a view (not a copy) of row r of a rank-2 tensor.
func (t *HostTensor) Row(r int) ([]float32, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("tensor: Row requires rank-2 tensor, got rank %d", len(t.shape))
	}
	cols := t.shape[1]
	if r < 0 || r >= t.shape[0] {
		return nil, fmt.Errorf("tensor: row %d out of range [0,%d)", r, t.shape[0])
	}
	return t.data[r*cols : (r+1)*cols], nil
}

// Clone deep-copies the tensor.
func (t *HostTensor) Clone() *HostTensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &HostTensor{shape: cloneShape(t.shape), data: data}
}

// WriteTo serializes the tensor using the fixed record header from spec §6:
// rank:i32_le | dims:i32_le*rank | length:i64_le | f32_le*length.
func (t *HostTensor) WriteTo(w io.Writer) error {
	return writeRecord(w, t.shape, t.data)
}

// ReadHostFrom decodes a tensor record into a new HostTensor.
func ReadHostFrom(r io.Reader) (*HostTensor, error) {
	shape, data, err := readRecord(r)
	if err != nil {
		return nil, err
	}
	return &HostTensor{shape: shape, data: data}, nil
}

func writeRecord(w io.Writer, shape []int, data []float32) error {
	if err := validateShape(shape); err != nil {
		return err
	}
	n := product(shape)
	if int64(len(data)) != n {
		return fmt.Errorf("tensor: record data length %d does not match shape product %d", len(data), n)
	}
	rank := int32(len(shape))
	if err := binary.Write(w, binary.LittleEndian, rank); err != nil {
		return err
	}
	for _, d := range shape {
		if err := binary.Write(w, binary.LittleEndian, int32(d)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, data)
}

// ErrCorrupt signals a header/data mismatch while reading a tensor record.
type ErrCorrupt struct{ Reason string }

func (e *ErrCorrupt) Error() string { return "tensor: corrupt record: " + e.Reason }

func readRecord(r io.Reader) ([]int, []float32, error) {
	var rank int32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return nil, nil, err
	}
	if rank < 1 || rank > MaxRank {
		return nil, nil, &ErrCorrupt{Reason: fmt.Sprintf("rank %d out of range [1,%d]", rank, MaxRank)}
	}
	dims := make([]int, rank)
	for i := range dims {
		var d int32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return nil, nil, err
		}
		if d < 0 {
			return nil, nil, &ErrCorrupt{Reason: fmt.Sprintf("negative dimension %d", d)}
		}
		dims[i] = int(d)
	}
	var length int64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, nil, err
	}
	want := product(dims)
	if length != want {
		return nil, nil, &ErrCorrupt{Reason: fmt.Sprintf("length %d != product(dims) %d", length, want)}
	}
	data := make([]float32, length)
	if length > 0 {
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, nil, err
		}
	}
	return dims, data, nil
}

// DeviceTensor is a tensor whose buffer is owned by the device heap and
// referenced only by an opaque handle; its data does not occupy host RAM
// until RetrieveHost is called (mirroring the teacher's EnsureGPU/RetrieveCPU
// split, generalized from a real Metal buffer to the software device heap).
type DeviceTensor struct {
	shape  []int
	heap   DeviceHeap
	handle uint64
	freed  bool
}

// NewDevice wraps an already-allocated device buffer.
func NewDevice(shape []int, heap DeviceHeap, handle uint64) (*DeviceTensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &DeviceTensor{shape: cloneShape(shape), heap: heap, handle: handle}, nil
}

func (t *DeviceTensor) Shape() []int   { return cloneShape(t.shape) }
func (t *DeviceTensor) Len() int64     { return product(t.shape) }
func (t *DeviceTensor) Handle() uint64 { return t.handle }

// RetrieveHost copies the device buffer back to a HostTensor. Callers must
// have already synchronized the command queue (SyncGuard.synchronize_before_read)
// before calling this — the device heap itself does not block.
//
// A call on a tensor whose buffer has already been released is a
// use-after-free and panics rather than returning an error: it is a
// programming fault, not a recoverable runtime condition (spec §8, T3:
// "a follow-up operation on t is a use-after-free and must panic/abort
// cleanly").
func (t *DeviceTensor) RetrieveHost() (*HostTensor, error) {
	if t.freed {
		panic("tensor: use of device tensor after Release (use-after-free)")
	}
	data, err := t.heap.ReadBack(t.handle)
	if err != nil {
		return nil, err
	}
	return &HostTensor{shape: cloneShape(t.shape), data: data}, nil
}

// Release returns the device buffer to the heap. Any further use of t is a
// use-after-free and callers must treat it as such (spec §8, T3).
func (t *DeviceTensor) Release() {
	if t.freed {
		return
	}
	t.heap.Release(t.handle)
	t.freed = true
}

// Released reports whether Release has already been called.
func (t *DeviceTensor) Released() bool { return t.freed }
