package lstm

import (
	"fmt"

	"github.com/tsawler/dayson/tensor"
)

// Backward runs BPTT (spec §4.7's backward pass), accumulating every
// gradient on a single in-memory tensor per parameter (bounded by parameter
// size, not sequence length — this is the "zero-RAM" property for the
// backward direction), then writes each accumulator to TensorStore and
// returns the parameter-id -> gradient-id mapping the data-flow diagram in
// spec §2 calls for ("backward ... writes grads to TensorStore").
func (c *Core) Backward(catalog *WeightCatalog, weights *WeightSet, trace *ForwardTrace, x, y []int) (map[string]string, error) {
	T := len(trace.Steps)

	accum, err := newGradAccumulators(catalog)
	if err != nil {
		return nil, fmt.Errorf("lstm: backward: alloc accumulators: %w", err)
	}

	dhNext, err := tensor.Zeros([]int{1, catalog.HiddenSize})
	if err != nil {
		return nil, err
	}
	dcNext, err := tensor.Zeros([]int{1, catalog.HiddenSize})
	if err != nil {
		return nil, err
	}
	dhNextPath, err := c.swap.SwapOut(dhNext, "dh_next_init")
	if err != nil {
		return nil, fmt.Errorf("lstm: backward: swap dh_next_init: %w", err)
	}
	dcNextPath, err := c.swap.SwapOut(dcNext, "dc_next_init")
	if err != nil {
		return nil, fmt.Errorf("lstm: backward: swap dc_next_init: %w", err)
	}

	for t := T - 1; t >= 0; t-- {
		st := trace.Steps[t]

		pred, err := c.reload(st.PredPath, "pred")
		if err != nil {
			return nil, err
		}
		hNext, err := c.reload(st.HPath, "h_next")
		if err != nil {
			return nil, err
		}
		tanhC, err := c.reload(st.TanhCPath, "tanh_c")
		if err != nil {
			return nil, err
		}
		og, err := c.reload(st.OgPath, "o")
		if err != nil {
			return nil, err
		}
		cc, err := c.reload(st.CcPath, "c~")
		if err != nil {
			return nil, err
		}
		ig, err := c.reload(st.IgPath, "i")
		if err != nil {
			return nil, err
		}
		fg, err := c.reload(st.FgPath, "f")
		if err != nil {
			return nil, err
		}
		cPrev, err := c.reload(st.CPrevPath, "c_prev")
		if err != nil {
			return nil, err
		}
		hPrev, err := c.reload(st.HPrevPath, "h_prev")
		if err != nil {
			return nil, err
		}
		input, err := c.reload(st.InputPath, "input")
		if err != nil {
			return nil, err
		}
		dhNextT, err := c.reload(dhNextPath, "dh_next")
		if err != nil {
			return nil, err
		}
		dcNextT, err := c.reload(dcNextPath, "dc_next")
		if err != nil {
			return nil, err
		}

		oneHot, err := c.eng.OneHot([]int{st.Y}, catalog.VocabSize)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: one_hot: %w", t, err)
		}
		dPred, err := c.eng.Sub(pred, oneHot)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: d_pred: %w", t, err)
		}

		dWhyStep, err := c.eng.MatMulAT(hNext, dPred)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: h_next^T*d_pred: %w", t, err)
		}
		if err := c.eng.AddScaled(accum.whyGrad, dWhyStep, 1); err != nil {
			return nil, err
		}
		if err := c.eng.AddScaled(accum.byGrad, dPred, 1); err != nil {
			return nil, err
		}

		dh0, err := c.eng.MatMulBT(dPred, weights.Why)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: d_pred*W_hy^T: %w", t, err)
		}
		dh, err := c.eng.Add(dh0, dhNextT)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: dh: %w", t, err)
		}

		tanhDerivC, err := c.eng.TanhDeriv(tanhC)
		if err != nil {
			return nil, err
		}
		dhTimesO, err := c.eng.Mul(dh, og)
		if err != nil {
			return nil, err
		}
		dc0, err := c.eng.Mul(dhTimesO, tanhDerivC)
		if err != nil {
			return nil, err
		}
		dc, err := c.eng.Add(dc0, dcNextT)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: dc: %w", t, err)
		}

		sigDerivO, err := c.eng.SigmoidDeriv(og)
		if err != nil {
			return nil, err
		}
		dO, err := mul3(c.eng, dh, tanhC, sigDerivO)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: d_o: %w", t, err)
		}

		tanhDerivCc, err := c.eng.TanhDeriv(cc)
		if err != nil {
			return nil, err
		}
		dCc, err := mul3(c.eng, dc, ig, tanhDerivCc)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: d_c~: %w", t, err)
		}

		sigDerivI, err := c.eng.SigmoidDeriv(ig)
		if err != nil {
			return nil, err
		}
		dI, err := mul3(c.eng, dc, cc, sigDerivI)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: d_i: %w", t, err)
		}

		sigDerivF, err := c.eng.SigmoidDeriv(fg)
		if err != nil {
			return nil, err
		}
		dF, err := mul3(c.eng, dc, cPrev, sigDerivF)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: d_f: %w", t, err)
		}

		dcPrev, err := c.eng.Mul(dc, fg)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: dc_prev: %w", t, err)
		}

		dhPrevAccum, err := tensor.Zeros([]int{1, catalog.HiddenSize})
		if err != nil {
			return nil, err
		}
		dInputAccum, err := tensor.Zeros([]int{1, catalog.EmbedSize})
		if err != nil {
			return nil, err
		}

		gateGrads := map[string]*tensor.HostTensor{"f": dF, "i": dI, "c": dCc, "o": dO}
		for _, g := range gateOrder {
			dg := gateGrads[g]
			gw := weights.Gates[g]

			dWh, err := c.eng.MatMulAT(hPrev, dg)
			if err != nil {
				return nil, fmt.Errorf("lstm: backward t=%d gate %s: h_prev^T*d_g: %w", t, g, err)
			}
			if err := c.eng.AddScaled(accum.wh[g], dWh, 1); err != nil {
				return nil, err
			}

			dWi, err := c.eng.MatMulAT(input, dg)
			if err != nil {
				return nil, fmt.Errorf("lstm: backward t=%d gate %s: input^T*d_g: %w", t, g, err)
			}
			if err := c.eng.AddScaled(accum.wi[g], dWi, 1); err != nil {
				return nil, err
			}

			if err := c.eng.AddScaled(accum.b[g], dg, 1); err != nil {
				return nil, err
			}

			dhPrevStep, err := c.eng.MatMulBT(dg, gw.Wh)
			if err != nil {
				return nil, fmt.Errorf("lstm: backward t=%d gate %s: d_g*W_h^T: %w", t, g, err)
			}
			if err := c.eng.AddScaled(dhPrevAccum, dhPrevStep, 1); err != nil {
				return nil, err
			}

			dInputStep, err := c.eng.MatMulBT(dg, gw.Wi)
			if err != nil {
				return nil, fmt.Errorf("lstm: backward t=%d gate %s: d_g*W_i^T: %w", t, g, err)
			}
			if err := c.eng.AddScaled(dInputAccum, dInputStep, 1); err != nil {
				return nil, err
			}
		}

		if err := c.eng.AccumulateGradient(accum.embeddingGrad, dInputAccum.Data(), st.X); err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: accumulate_gradient(embedding): %w", t, err)
		}

		for _, p := range []string{st.PredPath, st.HPath, st.TanhCPath, st.OgPath, st.CcPath, st.IgPath, st.FgPath, st.CPrevPath, st.InputPath, dhNextPath, dcNextPath} {
			if err := c.swap.Delete(p); err != nil {
				c.log.Warn().Err(err).Str("path", p).Msg("lstm: backward failed to delete swap file")
			}
		}

		dhNextPath, err = c.swap.SwapOut(dhPrevAccum, fmt.Sprintf("dh_next_t%d", t))
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: swap dh_next: %w", t, err)
		}
		dcNextPath, err = c.swap.SwapOut(dcPrev, fmt.Sprintf("dc_next_t%d", t))
		if err != nil {
			return nil, fmt.Errorf("lstm: backward t=%d: swap dc_next: %w", t, err)
		}
	}

	if err := c.swap.Delete(dhNextPath); err != nil {
		c.log.Warn().Err(err).Msg("lstm: backward failed to delete final dh_next")
	}
	if err := c.swap.Delete(dcNextPath); err != nil {
		c.log.Warn().Err(err).Msg("lstm: backward failed to delete final dc_next")
	}

	return accum.persist(c.store, catalog)
}

// mul3 computes a element-wise product of three equally-shaped tensors.
func mul3(eng interface {
	Mul(a, b *tensor.HostTensor) (*tensor.HostTensor, error)
}, a, b, cT *tensor.HostTensor) (*tensor.HostTensor, error) {
	ab, err := eng.Mul(a, b)
	if err != nil {
		return nil, err
	}
	return eng.Mul(ab, cT)
}

// gradAccumulators holds one host-resident tensor per primary weight,
// mutated in place for the duration of backward and bounded in size by the
// parameter count rather than sequence length T.
type gradAccumulators struct {
	embeddingGrad      *tensor.HostTensor
	wi, wh, b          map[string]*tensor.HostTensor
	whyGrad, byGrad    *tensor.HostTensor
}

func newGradAccumulators(catalog *WeightCatalog) (*gradAccumulators, error) {
	a := &gradAccumulators{wi: make(map[string]*tensor.HostTensor), wh: make(map[string]*tensor.HostTensor), b: make(map[string]*tensor.HostTensor)}

	var err error
	if a.embeddingGrad, err = tensor.Zeros([]int{catalog.VocabSize, catalog.EmbedSize}); err != nil {
		return nil, err
	}
	for _, g := range gateOrder {
		if a.wi[g], err = tensor.Zeros([]int{catalog.EmbedSize, catalog.HiddenSize}); err != nil {
			return nil, err
		}
		if a.wh[g], err = tensor.Zeros([]int{catalog.HiddenSize, catalog.HiddenSize}); err != nil {
			return nil, err
		}
		if a.b[g], err = tensor.Zeros([]int{1, catalog.HiddenSize}); err != nil {
			return nil, err
		}
	}
	if a.whyGrad, err = tensor.Zeros([]int{catalog.HiddenSize, catalog.VocabSize}); err != nil {
		return nil, err
	}
	if a.byGrad, err = tensor.Zeros([]int{1, catalog.VocabSize}); err != nil {
		return nil, err
	}
	return a, nil
}

// persist writes every accumulator to store and returns the map from
// parameter id to gradient tensor id.
func (a *gradAccumulators) persist(store interface {
	Store(t *tensor.HostTensor, name string) (string, error)
}, catalog *WeightCatalog) (map[string]string, error) {
	out := make(map[string]string)

	id, err := store.Store(a.embeddingGrad, "grad_embedding")
	if err != nil {
		return nil, fmt.Errorf("lstm: backward: store grad_embedding: %w", err)
	}
	out[catalog.EmbeddingID] = id

	for _, g := range gateOrder {
		gw := catalog.Gates[g]
		wiID, err := store.Store(a.wi[g], "grad_w_i_"+g)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward: store grad W_i%s: %w", g, err)
		}
		out[gw.WiID] = wiID

		whID, err := store.Store(a.wh[g], "grad_w_h_"+g)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward: store grad W_h%s: %w", g, err)
		}
		out[gw.WhID] = whID

		bID, err := store.Store(a.b[g], "grad_b_"+g)
		if err != nil {
			return nil, fmt.Errorf("lstm: backward: store grad b%s: %w", g, err)
		}
		out[gw.BID] = bID
	}

	whyID, err := store.Store(a.whyGrad, "grad_w_hy")
	if err != nil {
		return nil, fmt.Errorf("lstm: backward: store grad W_hy: %w", err)
	}
	out[catalog.WhyID] = whyID

	byID, err := store.Store(a.byGrad, "grad_b_y")
	if err != nil {
		return nil, fmt.Errorf("lstm: backward: store grad b_y: %w", err)
	}
	out[catalog.ByID] = byID

	return out, nil
}
