package engine

// kernelCatalog holds the device engine's kernel sources, compiled (in the
// sense of "registered and validated") once at construction, the way the
// teacher's gpu/matrix/kernel-cache.go caches compiled Metal kernels keyed
// by source hash. These are not real GPU kernel sources — the device
// backend executes the equivalent Go routine directly — but the catalog
// shape (name → source, compiled once, counted) is preserved so
// NumKernelsCompiled() and the construction-time compile log are grounded
// in the same lifecycle the teacher's cache entries have.
var kernelCatalog = map[string]string{
	"matmul":              "// C[M,P] = A[M,N] * B[N,P], row-major",
	"matmul_at":           "// C[M,P] = A[K,M]^T * B[K,P]",
	"matmul_bt":           "// C[M,P] = A[M,K] * B[P,K]^T",
	"add":                 "// C = A + B, element-wise",
	"sub":                 "// C = A - B, element-wise",
	"mul":                 "// C = A .* B, element-wise",
	"add_broadcast":       "// M[r,:] += bias, row-broadcast, in place",
	"add_scaled":          "// dst = dst + s*src",
	"sub_scaled":          "// dst = dst - s*src",
	"sigmoid":             "// y = 1/(1+exp(-clamp(x,-88,88))), NaN/Inf -> 0.5",
	"tanh":                "// y = tanh(clamp(x,-20,20)), NaN/Inf -> 0.0",
	"sigmoid_deriv":       "// dy = clamp(y*(1-y), 0, 0.25)",
	"tanh_deriv":          "// dy = clamp(1-y*y, 0, 1)",
	"softmax":             "// row-wise softmax, shifted by row max, uniform on degenerate rows",
	"layer_norm":          "// per-row normalize then affine by gamma/beta",
	"lookup":              "// out = table[idx, :]",
	"accumulate_gradient": "// grad[idx, :] += row (scatter-add)",
	"one_hot":             "// out[i, indices[i]] = 1",
	"clip":                "// x = clamp(x, lo, hi)",
	"scale":               "// x = x * s",
	"sanitize_and_clip":   "// x = clamp(isnan(x)||isinf(x) ? 0 : x, -v, v)",
	"sum_of_squares":      "// reduce sum(x_i^2) in one sequential pass, no work-group tree",
	"adam_update":         "// fused Adam step; sanitizes m,v; clips update to +/-0.1",
}
