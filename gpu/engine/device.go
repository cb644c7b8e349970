package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	syncguard "github.com/tsawler/dayson/gpu/sync"
	"github.com/tsawler/dayson/tensor"
)

// periodicSyncEvery is how often the device engine inserts an unconditional
// synchronization point purely to bound queue depth (spec §4.4: the device
// must not let commands pile up unsynchronized indefinitely).
const periodicSyncEvery = 100

// DeviceEngine is the simulated device-resident MathEngine backend. There is
// no portable GPU binding available, so the "device" is a single worker
// goroutine behind a syncguard.Guard, exactly the ordering discipline spec
// §4.4/§5 requires of a real command queue; the arithmetic itself is the
// same mathops.go kernels the host engine calls directly.
type DeviceEngine struct {
	guard   *syncguard.Guard
	log     zerolog.Logger
	numKern int
	xeon    bool

	dispatches uint64

	mu      sync.Mutex
	handles map[uint64][]float32
	nextID  uint64
}

// NewDevice "compiles" the kernel catalog and starts the command queue, the
// way the teacher's gpu/matrix engine logs its compiled kernel count and CPU
// model at construction (gpu/matrix/matrix.go's NewEngine).
func NewDevice(log zerolog.Logger) *DeviceEngine {
	e := &DeviceEngine{
		guard:   syncguard.New(log),
		log:     log,
		numKern: len(kernelCatalog),
		xeon:    detectXeonCPU(),
		handles: make(map[uint64][]float32),
	}
	e.log.Info().
		Int("kernels_compiled", e.numKern).
		Bool("xeon_cpu", e.xeon).
		Msg("engine: device command queue ready")
	return e
}

func (e *DeviceEngine) bump() uint64 {
	n := atomic.AddUint64(&e.dispatches, 1)
	if n%periodicSyncEvery == 0 {
		if err := e.guard.SynchronizeBeforeRead("periodic"); err != nil {
			e.log.Error().Err(err).Msg("engine: periodic synchronize failed")
		}
	}
	return n
}

// dispatchSync submits fn and blocks until it has run, the way any engine
// call that must return a usable value needs its command's effects visible
// before the caller reads them (spec §4.4: synchronize_before_read).
func (e *DeviceEngine) dispatchSync(fn func()) error {
	e.bump()
	evt := e.guard.InsertMarker("dispatch")
	e.guard.Submit(fn)
	if !e.guard.WaitEvent(evt, "dispatch-prior") {
		return fmt.Errorf("engine: device dispatch wait_event timed out")
	}
	done := e.guard.InsertMarker("dispatch-done")
	if !e.guard.WaitEvent(done, "dispatch-done") {
		return fmt.Errorf("engine: device dispatch wait_event timed out")
	}
	return nil
}

// ReadBack implements tensor.DeviceHeap for DeviceTensor.RetrieveHost.
func (e *DeviceEngine) ReadBack(handle uint64) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.handles[handle]
	if !ok {
		return nil, fmt.Errorf("engine: unknown device handle %d", handle)
	}
	out := make([]float32, len(buf))
	copy(out, buf)
	return out, nil
}

// Release implements tensor.DeviceHeap.
func (e *DeviceEngine) Release(handle uint64) {
	e.mu.Lock()
	delete(e.handles, handle)
	e.mu.Unlock()
}

// Alloc registers a raw device buffer and returns its handle. It backs
// tensor.DeviceTensor's use-after-free discipline (spec T3) for a caller
// that holds a device-resident tensor across multiple calls; the current
// Engine methods all resolve to a HostTensor before returning, so nothing
// in the live training pipeline calls Alloc today — tensor_test.go's
// fakeHeap exercises the same contract directly against DeviceTensor.
func (e *DeviceEngine) Alloc(data []float32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handles[id] = data
	return id
}

func (e *DeviceEngine) Create(shape []int) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.Zeros(shape)
}

func (e *DeviceEngine) CreateFrom(data []float32, shape []int) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(shape, data)
}

func (e *DeviceEngine) MatMul(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	sa, sb := a.Shape(), b.Shape()
	if len(sa) != 2 || len(sb) != 2 {
		return nil, fmt.Errorf("engine: MatMul requires rank-2 tensors")
	}
	var out []float32
	var rerr error
	if err := e.dispatchSync(func() { out, rerr = rawMatMul(a.Data(), sa[0], sa[1], b.Data(), sb[0], sb[1]) }); err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, rerr
	}
	return tensor.NewHost([]int{sa[0], sb[1]}, out)
}

func (e *DeviceEngine) MatMulAT(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	sa, sb := a.Shape(), b.Shape()
	var out []float32
	var rerr error
	if err := e.dispatchSync(func() { out, rerr = rawMatMulAT(a.Data(), sa[0], sa[1], b.Data(), sb[0], sb[1]) }); err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, rerr
	}
	return tensor.NewHost([]int{sa[1], sb[1]}, out)
}

func (e *DeviceEngine) MatMulBT(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	sa, sb := a.Shape(), b.Shape()
	var out []float32
	var rerr error
	if err := e.dispatchSync(func() { out, rerr = rawMatMulBT(a.Data(), sa[0], sa[1], b.Data(), sb[0], sb[1]) }); err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, rerr
	}
	return tensor.NewHost([]int{sa[0], sb[0]}, out)
}

func (e *DeviceEngine) Add(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = elemAdd(a.Data(), b.Data()) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(a.Shape(), out)
}

func (e *DeviceEngine) Sub(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = elemSub(a.Data(), b.Data()) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(a.Shape(), out)
}

func (e *DeviceEngine) Mul(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = elemMul(a.Data(), b.Data()) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(a.Shape(), out)
}

func (e *DeviceEngine) AddBroadcast(m *tensor.HostTensor, bias []float32) error {
	s := m.Shape()
	return e.dispatchSync(func() { addBroadcastRows(m.Data(), s[0], s[1], bias) })
}

func (e *DeviceEngine) AddScaled(dst, src *tensor.HostTensor, sc float32) error {
	return e.dispatchSync(func() { addScaled(dst.Data(), src.Data(), sc) })
}

func (e *DeviceEngine) SubScaled(dst, src *tensor.HostTensor, sc float32) error {
	return e.dispatchSync(func() { subScaled(dst.Data(), src.Data(), sc) })
}

func (e *DeviceEngine) Sigmoid(x *tensor.HostTensor) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = sigmoidKernel(x.Data()) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(x.Shape(), out)
}

func (e *DeviceEngine) Tanh(x *tensor.HostTensor) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = tanhKernel(x.Data()) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(x.Shape(), out)
}

func (e *DeviceEngine) SigmoidDeriv(y *tensor.HostTensor) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = sigmoidDerivKernel(y.Data()) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(y.Shape(), out)
}

func (e *DeviceEngine) TanhDeriv(y *tensor.HostTensor) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = tanhDerivKernel(y.Data()) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(y.Shape(), out)
}

func (e *DeviceEngine) Softmax(x *tensor.HostTensor) (*tensor.HostTensor, error) {
	s := x.Shape()
	if len(s) != 2 {
		return nil, fmt.Errorf("engine: Softmax requires rank-2 tensor")
	}
	var out []float32
	if err := e.dispatchSync(func() { out = softmaxKernel(x.Data(), s[0], s[1]) }); err != nil {
		return nil, err
	}
	return tensor.NewHost(s, out)
}

func (e *DeviceEngine) LayerNorm(x *tensor.HostTensor, gamma, beta []float32, eps float32) error {
	s := x.Shape()
	if len(s) != 2 {
		return fmt.Errorf("engine: LayerNorm requires rank-2 tensor")
	}
	return e.dispatchSync(func() { layerNormKernel(x.Data(), s[0], s[1], gamma, beta, eps) })
}

func (e *DeviceEngine) Lookup(table *tensor.HostTensor, idx int) ([]float32, error) {
	s := table.Shape()
	if len(s) != 2 {
		return nil, fmt.Errorf("engine: Lookup requires rank-2 table")
	}
	if idx < 0 || idx >= s[0] {
		return nil, fmt.Errorf("engine: Lookup index %d out of range [0,%d)", idx, s[0])
	}
	var out []float32
	if err := e.dispatchSync(func() { out = lookupKernel(table.Data(), s[1], idx) }); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *DeviceEngine) AccumulateGradient(grad *tensor.HostTensor, row []float32, idx int) error {
	s := grad.Shape()
	if len(s) != 2 {
		return fmt.Errorf("engine: AccumulateGradient requires rank-2 tensor")
	}
	if idx < 0 || idx >= s[0] {
		return fmt.Errorf("engine: AccumulateGradient index %d out of range [0,%d)", idx, s[0])
	}
	if len(row) != s[1] {
		return fmt.Errorf("engine: AccumulateGradient row length %d != %d", len(row), s[1])
	}
	return e.dispatchSync(func() { accumulateGradientKernel(grad.Data(), s[1], row, idx) })
}

func (e *DeviceEngine) OneHot(indices []int, classes int) (*tensor.HostTensor, error) {
	var out []float32
	if err := e.dispatchSync(func() { out = oneHotKernel(indices, classes) }); err != nil {
		return nil, err
	}
	return tensor.NewHost([]int{len(indices), classes}, out)
}

func (e *DeviceEngine) SliceRow(src *tensor.HostTensor, row int) ([]float32, error) {
	var out []float32
	var rerr error
	if err := e.dispatchSync(func() {
		r, err := src.Row(row)
		if err != nil {
			rerr = err
			return
		}
		out = make([]float32, len(r))
		copy(out, r)
	}); err != nil {
		return nil, err
	}
	return out, rerr
}

func (e *DeviceEngine) SetRow(dst *tensor.HostTensor, row int, src []float32) error {
	var rerr error
	if err := e.dispatchSync(func() {
		d, err := dst.Row(row)
		if err != nil {
			rerr = err
			return
		}
		if len(src) != len(d) {
			rerr = fmt.Errorf("engine: SetRow length mismatch: %d != %d", len(src), len(d))
			return
		}
		copy(d, src)
	}); err != nil {
		return err
	}
	return rerr
}

func (e *DeviceEngine) Clip(x *tensor.HostTensor, lo, hi float32) error {
	return e.dispatchSync(func() { clipKernel(x.Data(), lo, hi) })
}

func (e *DeviceEngine) Scale(x *tensor.HostTensor, s float32) error {
	return e.dispatchSync(func() { scaleKernel(x.Data(), s) })
}

func (e *DeviceEngine) SanitizeAndClip(x *tensor.HostTensor, v float32) error {
	return e.dispatchSync(func() { sanitizeAndClipKernel(x.Data(), v) })
}

func (e *DeviceEngine) SumOfSquares(x *tensor.HostTensor) float64 {
	var out float64
	e.dispatchSync(func() { out = sumOfSquaresKernel(x.Data()) })
	return out
}

func (e *DeviceEngine) AdamUpdate(p, g, m, v *tensor.HostTensor, lr, beta1, beta2, eps float32, t int64) error {
	return e.dispatchSync(func() { adamUpdateKernel(p.Data(), g.Data(), m.Data(), v.Data(), lr, beta1, beta2, eps, t) })
}

func (e *DeviceEngine) DispatchCount() uint64 { return atomic.LoadUint64(&e.dispatches) }
func (e *DeviceEngine) NumKernelsCompiled() int { return e.numKern }
func (e *DeviceEngine) IsXeonCPU() bool { return e.xeon }

// SyncGuard is the capability accessor spec §9 calls for (callers that need
// synchronize_before_dispose or wait_event reach it through this method
// rather than downcasting the Engine interface).
func (e *DeviceEngine) SyncGuard() *syncguard.Guard { return e.guard }

func (e *DeviceEngine) Close() {
	e.guard.Close()
}
