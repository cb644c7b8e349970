package engine

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	syncguard "github.com/tsawler/dayson/gpu/sync"
	"github.com/tsawler/dayson/tensor"
)

// HostEngine is the CPU-resident MathEngine backend, grounded on the
// teacher's Accelerate-framework fallbacks (matrix.go's Inverse/SVD/etc. use
// Accelerate on the CPU side already). gonum, the teacher's one real
// third-party dependency, backs MatMul and SumOfSquares; the transposed
// matmuls and the elementwise ops are plain Go loops.
type HostEngine struct {
	dispatches uint64
}

// NewHost constructs the host-resident engine. There is no kernel catalog
// to compile and no command queue, so SyncGuard returns nil (the capability
// accessor spec §9 calls for, rather than a downcast).
func NewHost() *HostEngine {
	return &HostEngine{}
}

func (e *HostEngine) bump() { e.dispatches++ }

func (e *HostEngine) Create(shape []int) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.Zeros(shape)
}

func (e *HostEngine) CreateFrom(data []float32, shape []int) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(shape, data)
}

func (e *HostEngine) MatMul(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	sa, sb := a.Shape(), b.Shape()
	if len(sa) != 2 || len(sb) != 2 {
		return nil, fmt.Errorf("engine: MatMul requires rank-2 tensors")
	}
	out := mat.NewDense(sa[0], sb[1], nil)
	ma := mat.NewDense(sa[0], sa[1], float32to64(a.Data()))
	mb := mat.NewDense(sb[0], sb[1], float32to64(b.Data()))
	out.Mul(ma, mb)
	return tensor.NewHost([]int{sa[0], sb[1]}, float64to32(out.RawMatrix().Data))
}

func (e *HostEngine) MatMulAT(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	sa, sb := a.Shape(), b.Shape()
	data, err := rawMatMulAT(a.Data(), sa[0], sa[1], b.Data(), sb[0], sb[1])
	if err != nil {
		return nil, err
	}
	return tensor.NewHost([]int{sa[1], sb[1]}, data)
}

func (e *HostEngine) MatMulBT(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	sa, sb := a.Shape(), b.Shape()
	data, err := rawMatMulBT(a.Data(), sa[0], sa[1], b.Data(), sb[0], sb[1])
	if err != nil {
		return nil, err
	}
	return tensor.NewHost([]int{sa[0], sb[0]}, data)
}

func (e *HostEngine) Add(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(a.Shape(), elemAdd(a.Data(), b.Data()))
}

func (e *HostEngine) Sub(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(a.Shape(), elemSub(a.Data(), b.Data()))
}

func (e *HostEngine) Mul(a, b *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(a.Shape(), elemMul(a.Data(), b.Data()))
}

func (e *HostEngine) AddBroadcast(m *tensor.HostTensor, bias []float32) error {
	e.bump()
	s := m.Shape()
	addBroadcastRows(m.Data(), s[0], s[1], bias)
	return nil
}

func (e *HostEngine) AddScaled(dst, src *tensor.HostTensor, s float32) error {
	e.bump()
	addScaled(dst.Data(), src.Data(), s)
	return nil
}

func (e *HostEngine) SubScaled(dst, src *tensor.HostTensor, s float32) error {
	e.bump()
	subScaled(dst.Data(), src.Data(), s)
	return nil
}

func (e *HostEngine) Sigmoid(x *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(x.Shape(), sigmoidKernel(x.Data()))
}

func (e *HostEngine) Tanh(x *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(x.Shape(), tanhKernel(x.Data()))
}

func (e *HostEngine) SigmoidDeriv(y *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(y.Shape(), sigmoidDerivKernel(y.Data()))
}

func (e *HostEngine) TanhDeriv(y *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost(y.Shape(), tanhDerivKernel(y.Data()))
}

func (e *HostEngine) Softmax(x *tensor.HostTensor) (*tensor.HostTensor, error) {
	e.bump()
	s := x.Shape()
	if len(s) != 2 {
		return nil, fmt.Errorf("engine: Softmax requires rank-2 tensor")
	}
	return tensor.NewHost(s, softmaxKernel(x.Data(), s[0], s[1]))
}

func (e *HostEngine) LayerNorm(x *tensor.HostTensor, gamma, beta []float32, eps float32) error {
	e.bump()
	s := x.Shape()
	if len(s) != 2 {
		return fmt.Errorf("engine: LayerNorm requires rank-2 tensor")
	}
	layerNormKernel(x.Data(), s[0], s[1], gamma, beta, eps)
	return nil
}

func (e *HostEngine) Lookup(table *tensor.HostTensor, idx int) ([]float32, error) {
	e.bump()
	s := table.Shape()
	if len(s) != 2 {
		return nil, fmt.Errorf("engine: Lookup requires rank-2 table")
	}
	if idx < 0 || idx >= s[0] {
		return nil, fmt.Errorf("engine: Lookup index %d out of range [0,%d)", idx, s[0])
	}
	return lookupKernel(table.Data(), s[1], idx), nil
}

func (e *HostEngine) AccumulateGradient(grad *tensor.HostTensor, row []float32, idx int) error {
	e.bump()
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
	accumulateGradientKernel(grad.Data(), s[1], row, idx)
	return nil
}

func (e *HostEngine) OneHot(indices []int, classes int) (*tensor.HostTensor, error) {
	e.bump()
	return tensor.NewHost([]int{len(indices), classes}, oneHotKernel(indices, classes))
}

func (e *HostEngine) SliceRow(src *tensor.HostTensor, row int) ([]float32, error) {
	e.bump()
	return src.Row(row)
}

func (e *HostEngine) SetRow(dst *tensor.HostTensor, row int, src []float32) error {
	e.bump()
	d, err := dst.Row(row)
	if err != nil {
		return err
	}
	if len(src) != len(d) {
		return fmt.Errorf("engine: SetRow length mismatch: %d != %d", len(src), len(d))
	}
	copy(d, src)
	return nil
}

func (e *HostEngine) Clip(x *tensor.HostTensor, lo, hi float32) error {
	e.bump()
	clipKernel(x.Data(), lo, hi)
	return nil
}

func (e *HostEngine) Scale(x *tensor.HostTensor, s float32) error {
	e.bump()
	scaleKernel(x.Data(), s)
	return nil
}

func (e *HostEngine) SanitizeAndClip(x *tensor.HostTensor, v float32) error {
	e.bump()
	sanitizeAndClipKernel(x.Data(), v)
	return nil
}

func (e *HostEngine) SumOfSquares(x *tensor.HostTensor) float64 {
	e.bump()
	return floats.Dot(float32to64(x.Data()), float32to64(x.Data()))
}

func (e *HostEngine) AdamUpdate(p, g, m, v *tensor.HostTensor, lr, beta1, beta2, eps float32, t int64) error {
	e.bump()
	adamUpdateKernel(p.Data(), g.Data(), m.Data(), v.Data(), lr, beta1, beta2, eps, t)
	return nil
}

func (e *HostEngine) DispatchCount() uint64    { return e.dispatches }
func (e *HostEngine) NumKernelsCompiled() int  { return 0 }
func (e *HostEngine) IsXeonCPU() bool          { return false }
func (e *HostEngine) SyncGuard() *syncguard.Guard { return nil }
func (e *HostEngine) Close()                   {}

func float32to64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func float64to32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
