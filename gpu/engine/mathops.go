package engine

import "math"

// The routines in this file are the actual numeric kernels; both HostEngine
// and DeviceEngine dispatch to them; HostEngine calls them inline, DeviceEngine
// calls them from inside a queued command so the two backends differ only in
// scheduling/synchronization discipline, never in arithmetic (spec's
// non-goal: no bit-for-bit reproducibility is promised across backends, but
// sharing one implementation means they agree anyway).

const (
	tanhClamp    = 20
	sigmoidClamp = 88
)

func rawMatMul(a []float32, aRows, aCols int, b []float32, bRows, bCols int) ([]float32, error) {
	if aCols != bRows {
		return nil, errDim("matmul", aRows, aCols, bRows, bCols)
	}
	out := make([]float32, aRows*bCols)
	for i := 0; i < aRows; i++ {
		for k := 0; k < aCols; k++ {
			av := a[i*aCols+k]
			if av == 0 {
				continue
			}
			brow := b[k*bCols : k*bCols+bCols]
			orow := out[i*bCols : i*bCols+bCols]
			for j, bv := range brow {
				orow[j] += av * bv
			}
		}
	}
	return out, nil
}

// rawMatMulAT computes C[M,P] = A[K,M]^T * B[K,P].
func rawMatMulAT(a []float32, aRows, aCols int, b []float32, bRows, bCols int) ([]float32, error) {
	if aRows != bRows {
		return nil, errDim("matmul_at", aRows, aCols, bRows, bCols)
	}
	m, k, p := aCols, aRows, bCols
	out := make([]float32, m*p)
	for i := 0; i < k; i++ {
		for mi := 0; mi < m; mi++ {
			av := a[i*aCols+mi]
			if av == 0 {
				continue
			}
			brow := b[i*bCols : i*bCols+p]
			orow := out[mi*p : mi*p+p]
			for j, bv := range brow {
				orow[j] += av * bv
			}
		}
	}
	return out, nil
}

// rawMatMulBT computes C[M,P] = A[M,K] * B[P,K]^T.
func rawMatMulBT(a []float32, aRows, aCols int, b []float32, bRows, bCols int) ([]float32, error) {
	if aCols != bCols {
		return nil, errDim("matmul_bt", aRows, aCols, bRows, bCols)
	}
	m, k, p := aRows, aCols, bRows
	out := make([]float32, m*p)
	for i := 0; i < m; i++ {
		arow := a[i*k : i*k+k]
		for j := 0; j < p; j++ {
			brow := b[j*k : j*k+k]
			var sum float32
			for x := 0; x < k; x++ {
				sum += arow[x] * brow[x]
			}
			out[i*p+j] = sum
		}
	}
	return out, nil
}

func errDim(op string, aR, aC, bR, bC int) error {
	return dimError{op: op, aR: aR, aC: aC, bR: bR, bC: bC}
}

type dimError struct {
	op             string
	aR, aC, bR, bC int
}

func (e dimError) Error() string {
	return "engine: " + e.op + ": incompatible dimensions"
}

func elemAdd(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func elemSub(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func elemMul(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return out
}

func addBroadcastRows(m []float32, rows, cols int, bias []float32) {
	for r := 0; r < rows; r++ {
		row := m[r*cols : r*cols+cols]
		for c := range row {
			row[c] += bias[c]
		}
	}
}

func addScaled(dst, src []float32, s float32) {
	for i := range dst {
		dst[i] += s * src[i]
	}
}

func subScaled(dst, src []float32, s float32) {
	for i := range dst {
		dst[i] -= s * src[i]
	}
}

func sigmoidKernel(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			out[i] = 0.5
			continue
		}
		vv := float64(v)
		if vv > sigmoidClamp {
			vv = sigmoidClamp
		} else if vv < -sigmoidClamp {
			vv = -sigmoidClamp
		}
		y := float32(1.0 / (1.0 + math.Exp(-vv)))
		if y < 0 {
			y = 0
		} else if y > 1 {
			y = 1
		}
		out[i] = y
	}
	return out
}

func tanhKernel(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			out[i] = 0.0
			continue
		}
		vv := float64(v)
		if vv > tanhClamp {
			vv = tanhClamp
		} else if vv < -tanhClamp {
			vv = -tanhClamp
		}
		y := float32(math.Tanh(vv))
		if y < -1 {
			y = -1
		} else if y > 1 {
			y = 1
		}
		out[i] = y
	}
	return out
}

func sigmoidDerivKernel(y []float32) []float32 {
	out := make([]float32, len(y))
	for i, v := range y {
		d := v * (1 - v)
		if d < 0 {
			d = 0
		} else if d > 0.25 {
			d = 0.25
		}
		out[i] = d
	}
	return out
}

func tanhDerivKernel(y []float32) []float32 {
	out := make([]float32, len(y))
	for i, v := range y {
		d := 1 - v*v
		if d < 0 {
			d = 0
		} else if d > 1 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func softmaxKernel(x []float32, rows, cols int) []float32 {
	out := make([]float32, len(x))
	for r := 0; r < rows; r++ {
		row := x[r*cols : r*cols+cols]
		orow := out[r*cols : r*cols+cols]

		max := float32(math.Inf(-1))
		for _, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				continue
			}
			if v > max {
				max = v
			}
		}
		if math.IsInf(float64(max), -1) {
			max = 0
		}

		var sum float64
		for c, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				orow[c] = 0
				continue
			}
			e := math.Exp(float64(v - max))
			orow[c] = float32(e)
			sum += e
		}

		if sum < 1e-10 {
			uniform := float32(1.0 / float64(cols))
			for c := range orow {
				orow[c] = uniform
			}
			continue
		}
		for c := range orow {
			p := orow[c] / float32(sum)
			if p < 1e-10 {
				p = 1e-10
			} else if p > 1 {
				p = 1
			}
			orow[c] = p
		}
	}
	return out
}

func layerNormKernel(x []float32, rows, cols int, gamma, beta []float32, eps float32) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : r*cols+cols]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(cols)

		var varSum float64
		for _, v := range row {
			d := float64(v) - mean
			varSum += d * d
		}
		varSum /= float64(cols)
		std := math.Sqrt(varSum + float64(eps))

		for c := range row {
			norm := (float64(row[c]) - mean) / std
			row[c] = float32(norm)*gamma[c] + beta[c]
		}
	}
}

func lookupKernel(table []float32, dim int, idx int) []float32 {
	out := make([]float32, dim)
	copy(out, table[idx*dim:idx*dim+dim])
	return out
}

func accumulateGradientKernel(grad []float32, dim int, row []float32, idx int) {
	dst := grad[idx*dim : idx*dim+dim]
	for i, v := range row {
		dst[i] += v
	}
}

func oneHotKernel(indices []int, classes int) []float32 {
	out := make([]float32, len(indices)*classes)
	for i, idx := range indices {
		if idx >= 0 && idx < classes {
			out[i*classes+idx] = 1
		}
	}
	return out
}

func clipKernel(x []float32, lo, hi float32) {
	for i, v := range x {
		if v < lo {
			x[i] = lo
		} else if v > hi {
			x[i] = hi
		}
	}
}

func scaleKernel(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

func sanitizeAndClipKernel(x []float32, v float32) {
	for i, val := range x {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			val = 0
		}
		if val < -v {
			val = -v
		} else if val > v {
			val = v
		}
		x[i] = val
	}
}

func sumOfSquaresKernel(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return sum
}

// adamUpdateKernel is the fused Adam step from spec §4.5/§4.6: updates p in
// place, sanitizes m/v, and clips the per-parameter update to +/-0.1.
func adamUpdateKernel(p, g, m, v []float32, lr, beta1, beta2, eps float32, t int64) {
	bc1 := float32(1 - math.Pow(float64(beta1), float64(t)))
	bc2 := float32(1 - math.Pow(float64(beta2), float64(t)))
	for i := range p {
		gi := g[i]
		if math.IsNaN(float64(gi)) || math.IsInf(float64(gi), 0) {
			gi = 0
		}
		m[i] = beta1*m[i] + (1-beta1)*gi
		v[i] = beta2*v[i] + (1-beta2)*gi*gi

		if math.IsNaN(float64(m[i])) || math.IsInf(float64(m[i]), 0) {
			m[i] = 0
		}
		if math.IsNaN(float64(v[i])) || math.IsInf(float64(v[i]), 0) {
			v[i] = 0
		}

		mHat := m[i] / bc1
		vHat := v[i] / bc2

		update := lr * mHat / (float32(math.Sqrt(float64(vHat))) + eps)
		if update > 0.1 {
			update = 0.1
		} else if update < -0.1 {
			update = -0.1
		}
		p[i] -= update
	}
}
