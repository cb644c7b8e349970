package engine_test

import (
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/gpu/engine"
	"github.com/tsawler/dayson/tensor"
)

func backends(t *testing.T) map[string]engine.Engine {
	t.Helper()
	return map[string]engine.Engine{
		"host":   engine.NewHost(),
		"device": engine.NewDevice(zerolog.New(io.Discard)),
	}
}

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.HostTensor {
	t.Helper()
	tt, err := tensor.NewHost(shape, data)
	if err != nil {
		t.Fatalf("tensor.NewHost: %v", err)
	}
	return tt
}

// rawTensor builds a tensor without NewHost's finiteness check, so tests can
// feed NaN/Inf straight into the kernels.
func rawTensor(t *testing.T, shape []int, data []float32) *tensor.HostTensor {
	t.Helper()
	tt, err := tensor.Zeros(shape)
	if err != nil {
		t.Fatalf("tensor.Zeros: %v", err)
	}
	copy(tt.Data(), data)
	return tt
}

// T5: kernel outputs are free of NaN/Inf under adversarial inputs.
func TestActivationsRejectNaNInf(t *testing.T) {
	for name, e := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer e.Close()
			x := rawTensor(t, []int{1, 4}, []float32{float32(math.Inf(1)), float32(math.Inf(-1)), 1e30, 2})
			sig, err := e.Sigmoid(x)
			if err != nil {
				t.Fatalf("Sigmoid: %v", err)
			}
			for _, v := range sig.Data() {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("sigmoid produced non-finite value %v", v)
				}
			}
			th, err := e.Tanh(x)
			if err != nil {
				t.Fatalf("Tanh: %v", err)
			}
			for _, v := range th.Data() {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("tanh produced non-finite value %v", v)
				}
			}
		})
	}
}

// T6 / S2: softmax rows sum to 1 within tolerance and stay in [1e-10, 1],
// including the numerically shifted large-logit case and the NaN-input case.
func TestSoftmaxStabilityAndBounds(t *testing.T) {
	for name, e := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer e.Close()
			x := mustTensor(t, []int{1, 3}, []float32{1000, 1001, 1002})
			out, err := e.Softmax(x)
			if err != nil {
				t.Fatalf("Softmax: %v", err)
			}
			want := []float32{0.0900, 0.2447, 0.6652}
			for i, v := range out.Data() {
				if math.Abs(float64(v-want[i])) > 1e-4 {
					t.Fatalf("row[%d] = %v, want ~%v", i, v, want[i])
				}
			}

			nanRow := rawTensor(t, []int{1, 3}, []float32{float32(math.NaN()), 1.0, 1.0})
			out2, err := e.Softmax(nanRow)
			if err != nil {
				t.Fatalf("Softmax(NaN row): %v", err)
			}
			var sum float64
			for _, v := range out2.Data() {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("softmax(NaN row) produced non-finite value %v", v)
				}
				if v < 1e-10 || v > 1 {
					t.Fatalf("softmax value %v out of [1e-10,1]", v)
				}
				sum += float64(v)
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Fatalf("softmax(NaN row) sums to %v, want ~1", sum)
			}
		})
	}
}

// T7: Adam's m converges to the constant gradient and v to its square.
func TestAdamConvergesToConstantGradient(t *testing.T) {
	for name, e := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer e.Close()
			p := mustTensor(t, []int{1}, []float32{1.0})
			g := mustTensor(t, []int{1}, []float32{0.1})
			m := mustTensor(t, []int{1}, []float32{0})
			v := mustTensor(t, []int{1}, []float32{0})

			for i := int64(1); i <= 10000; i++ {
				if err := e.AdamUpdate(p, g, m, v, 0.01, 0.9, 0.999, 1e-8, i); err != nil {
					t.Fatalf("AdamUpdate step %d: %v", i, err)
				}
			}

			gotM := m.Data()[0]
			gotV := v.Data()[0]
			if rel := math.Abs(float64(gotM-0.1)) / 0.1; rel > 1e-3 {
				t.Fatalf("m = %v, want ~0.1 (rel err %v)", gotM, rel)
			}
			if rel := math.Abs(float64(gotV-0.01)) / 0.01; rel > 1e-3 {
				t.Fatalf("v = %v, want ~0.01 (rel err %v)", gotV, rel)
			}
		})
	}
}

// S1: embedding lookup + scatter-add round trip.
func TestLookupAndAccumulateGradientRoundTrip(t *testing.T) {
	for name, e := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer e.Close()
			emb := mustTensor(t, []int{4, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
			row, err := e.Lookup(emb, 2)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			want := []float32{7, 8, 9}
			for i, v := range row {
				if v != want[i] {
					t.Fatalf("lookup row = %v, want %v", row, want)
				}
			}

			grad, err := e.Create([]int{4, 3})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := e.AccumulateGradient(grad, []float32{0.5, 0.5, 0.5}, 2); err != nil {
				t.Fatalf("AccumulateGradient: %v", err)
			}
			for r := 0; r < 4; r++ {
				gr, err := grad.Row(r)
				if err != nil {
					t.Fatalf("Row(%d): %v", r, err)
				}
				if r == 2 {
					for _, v := range gr {
						if v != 0.5 {
							t.Fatalf("grad row 2 = %v, want all 0.5", gr)
						}
					}
				} else {
					for _, v := range gr {
						if v != 0 {
							t.Fatalf("grad row %d = %v, want all zero", r, gr)
						}
					}
				}
			}
		})
	}
}

// S3: a single Adam step matches the exact worked example.
func TestAdamSingleStepMatchesWorkedExample(t *testing.T) {
	for name, e := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer e.Close()
			p := mustTensor(t, []int{1}, []float32{1.0})
			g := mustTensor(t, []int{1}, []float32{0.1})
			m := mustTensor(t, []int{1}, []float32{0})
			v := mustTensor(t, []int{1}, []float32{0})

			if err := e.AdamUpdate(p, g, m, v, 0.01, 0.9, 0.999, 1e-8, 1); err != nil {
				t.Fatalf("AdamUpdate: %v", err)
			}
			if math.Abs(float64(p.Data()[0])-0.99) > 1e-4 {
				t.Fatalf("p = %v, want ~0.99", p.Data()[0])
			}
			if math.Abs(float64(m.Data()[0])-0.01) > 1e-6 {
				t.Fatalf("m = %v, want 0.01", m.Data()[0])
			}
			if math.Abs(float64(v.Data()[0])-0.00001) > 1e-8 {
				t.Fatalf("v = %v, want 0.00001", v.Data()[0])
			}
		})
	}
}

func TestDeviceEngineReportsKernelCatalogAndDispatchCount(t *testing.T) {
	e := engine.NewDevice(zerolog.New(io.Discard))
	defer e.Close()
	if e.NumKernelsCompiled() == 0 {
		t.Fatalf("NumKernelsCompiled() = 0, want > 0")
	}
	before := e.DispatchCount()
	x := mustTensor(t, []int{1, 2}, []float32{1, 2})
	if _, err := e.Sigmoid(x); err != nil {
		t.Fatalf("Sigmoid: %v", err)
	}
	if e.DispatchCount() <= before {
		t.Fatalf("DispatchCount did not increase: before=%d after=%d", before, e.DispatchCount())
	}
}

func TestHostEngineReportsNoKernelCatalog(t *testing.T) {
	e := engine.NewHost()
	defer e.Close()
	if e.NumKernelsCompiled() != 0 {
		t.Fatalf("NumKernelsCompiled() = %d, want 0", e.NumKernelsCompiled())
	}
	if e.IsXeonCPU() {
		t.Fatalf("IsXeonCPU() = true, want false for host engine")
	}
}
