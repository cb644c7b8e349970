// Package engine implements the MathEngine contract from spec §4.5: a
// kernel catalog and the numeric routines the LSTM core and AdamOptimizer
// dispatch against, with a device-resident and a host-resident
// implementation sharing one interface.
//
// spec §9's redesign flag calls for replacing reflection-style kernel
// argument marshalling (an object[]-typed dispatch call, each argument
// type-switched at runtime) with something the compiler checks. Rather than
// a tagged KernelArg union that every call site still has to build and
// validate by hand, every Engine method below takes its arguments as
// ordinary typed Go parameters (*tensor.HostTensor, float32, int64, ...);
// the compiler rejects a mismatched call at the call site instead of a
// validateArgs switch rejecting it at dispatch time. That is the redesign,
// just pushed to the type system instead of re-implemented as data.
//
// The device implementation is a software-simulated command queue rather
// than a real GPU binding — there is no portable cgo/Metal/OpenCL target
// for this exercise's environment — but it honors the same kernel-catalog,
// synchronization, and periodic-sync contracts the teacher's Metal engine
// does (gpu/matrix/matrix.go, kernel-cache.go).
package engine

import (
	"github.com/tsawler/dayson/tensor"
)

// Engine is the MathEngine contract from spec §4.5. Both HostEngine and
// DeviceEngine implement it; callers write code once against Engine and
// swap backends based on availability, never via type assertion.
type Engine interface {
	Create(shape []int) (*tensor.HostTensor, error)
	CreateFrom(data []float32, shape []int) (*tensor.HostTensor, error)

	MatMul(a, b *tensor.HostTensor) (*tensor.HostTensor, error)
	MatMulAT(a, b *tensor.HostTensor) (*tensor.HostTensor, error)
	MatMulBT(a, b *tensor.HostTensor) (*tensor.HostTensor, error)

	Add(a, b *tensor.HostTensor) (*tensor.HostTensor, error)
	Sub(a, b *tensor.HostTensor) (*tensor.HostTensor, error)
	Mul(a, b *tensor.HostTensor) (*tensor.HostTensor, error)
	AddBroadcast(m *tensor.HostTensor, bias []float32) error
	AddScaled(dst, src *tensor.HostTensor, s float32) error
	SubScaled(dst, src *tensor.HostTensor, s float32) error

	Sigmoid(x *tensor.HostTensor) (*tensor.HostTensor, error)
	Tanh(x *tensor.HostTensor) (*tensor.HostTensor, error)
	SigmoidDeriv(y *tensor.HostTensor) (*tensor.HostTensor, error)
	TanhDeriv(y *tensor.HostTensor) (*tensor.HostTensor, error)

	Softmax(x *tensor.HostTensor) (*tensor.HostTensor, error)
	LayerNorm(x *tensor.HostTensor, gamma, beta []float32, eps float32) error

	Lookup(table *tensor.HostTensor, idx int) ([]float32, error)
	AccumulateGradient(grad *tensor.HostTensor, row []float32, idx int) error
	OneHot(indices []int, classes int) (*tensor.HostTensor, error)

	SliceRow(src *tensor.HostTensor, row int) ([]float32, error)
	SetRow(dst *tensor.HostTensor, row int, src []float32) error

	Clip(x *tensor.HostTensor, lo, hi float32) error
	Scale(x *tensor.HostTensor, s float32) error
	SanitizeAndClip(x *tensor.HostTensor, v float32) error

	SumOfSquares(x *tensor.HostTensor) float64

	AdamUpdate(p, g, m, v *tensor.HostTensor, lr, beta1, beta2, eps float32, t int64) error

	// DispatchCount is the number of kernel dispatches issued so far
	// (spec §4.5's every-~100-dispatches periodic sync is measured from
	// this counter).
	DispatchCount() uint64

	// NumKernelsCompiled and IsXeonCPU restore the source's device-init
	// behavior (SPEC_FULL §4.5): device engines report a nonzero kernel
	// count and may detect a fast-math-eligible CPU name; host engines
	// report zero/false since they have no kernel catalog to compile.
	NumKernelsCompiled() int
	IsXeonCPU() bool

	Close()
}
