package lstm

import (
	"fmt"
	"math"

	"github.com/tsawler/dayson/tensor"
)

// StepTrace records every swap path one timestep's forward pass produced,
// the exact set backward needs to reload (spec §4.7's streaming protocol).
type StepTrace struct {
	X, Y int

	HPrevPath, CPrevPath string
	InputPath            string
	FgPath, IgPath, CcPath, OgPath string
	CNextPath, TanhCPath, HPath   string
	PredPath string
}

// ForwardTrace is the list of SwapStore paths spec §4.7's forward contract
// returns alongside the loss.
type ForwardTrace struct {
	Steps []StepTrace
}

// Forward runs the zero-RAM forward pass (spec §4.7). catalog supplies the
// hidden/cell state ids; weights is the pre-loaded bundle the Trainer loads
// once per epoch. x and y must be the same length.
func (c *Core) Forward(catalog *WeightCatalog, weights *WeightSet, x, y []int) (float64, *ForwardTrace, error) {
	if len(x) != len(y) {
		return 0, nil, fmt.Errorf("lstm: forward: len(x)=%d != len(y)=%d", len(x), len(y))
	}

	h0, err := c.store.Load(catalog.HiddenStateID)
	if err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: load hidden_state: %w", err)
	}
	c0, err := c.store.Load(catalog.CellStateID)
	if err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: load cell_state: %w", err)
	}
	hPrevPath, err := c.swap.SwapOut(h0, "h_init")
	if err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: swap h_init: %w", err)
	}
	cPrevPath, err := c.swap.SwapOut(c0, "c_init")
	if err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: swap c_init: %w", err)
	}

	trace := &ForwardTrace{Steps: make([]StepTrace, len(x))}
	var totalLoss float64

	for t := range x {
		st := StepTrace{X: x[t], Y: y[t], HPrevPath: hPrevPath, CPrevPath: cPrevPath}

		hPrev, err := c.swap.Load(hPrevPath)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: load h_prev: %w", t, err)
		}
		cPrev, err := c.swap.Load(cPrevPath)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: load c_prev: %w", t, err)
		}

		inputRow, err := c.eng.Lookup(weights.Embedding, x[t])
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: embedding lookup: %w", t, err)
		}
		inputT, err := tensor.NewHost([]int{1, catalog.EmbedSize}, inputRow)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: build input tensor: %w", t, err)
		}
		if st.InputPath, err = c.swap.SwapOut(inputT, fmt.Sprintf("input_t%d", t)); err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: swap input: %w", t, err)
		}
		inputT2, err := c.swap.Load(st.InputPath)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: reload input: %w", t, err)
		}

		fg, err := c.gateActivation(weights.Gates["f"], inputT2, hPrev, activationSigmoid)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: gate f: %w", t, err)
		}
		ig, err := c.gateActivation(weights.Gates["i"], inputT2, hPrev, activationSigmoid)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: gate i: %w", t, err)
		}
		cc, err := c.gateActivation(weights.Gates["c"], inputT2, hPrev, activationTanh)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: gate c~: %w", t, err)
		}
		og, err := c.gateActivation(weights.Gates["o"], inputT2, hPrev, activationSigmoid)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: gate o: %w", t, err)
		}

		if st.FgPath, err = c.swap.SwapOut(fg, fmt.Sprintf("fg_t%d", t)); err != nil {
			return 0, nil, err
		}
		if st.IgPath, err = c.swap.SwapOut(ig, fmt.Sprintf("ig_t%d", t)); err != nil {
			return 0, nil, err
		}
		if st.CcPath, err = c.swap.SwapOut(cc, fmt.Sprintf("cc_t%d", t)); err != nil {
			return 0, nil, err
		}
		if st.OgPath, err = c.swap.SwapOut(og, fmt.Sprintf("og_t%d", t)); err != nil {
			return 0, nil, err
		}

		fg2, err := c.reload(st.FgPath, "fg")
		if err != nil {
			return 0, nil, err
		}
		ig2, err := c.reload(st.IgPath, "ig")
		if err != nil {
			return 0, nil, err
		}
		cc2, err := c.reload(st.CcPath, "cc")
		if err != nil {
			return 0, nil, err
		}
		og2, err := c.reload(st.OgPath, "og")
		if err != nil {
			return 0, nil, err
		}

		fTimesC, err := c.eng.Mul(fg2, cPrev)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: f*c_prev: %w", t, err)
		}
		iTimesCc, err := c.eng.Mul(ig2, cc2)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: i*c~: %w", t, err)
		}
		cNext, err := c.eng.Add(fTimesC, iTimesCc)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: c_next: %w", t, err)
		}
		if st.CNextPath, err = c.swap.SwapOut(cNext, fmt.Sprintf("c_next_t%d", t)); err != nil {
			return 0, nil, err
		}
		cNext2, err := c.reload(st.CNextPath, "c_next")
		if err != nil {
			return 0, nil, err
		}

		tanhC, err := c.eng.Tanh(cNext2)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: tanh(c_next): %w", t, err)
		}
		if st.TanhCPath, err = c.swap.SwapOut(tanhC, fmt.Sprintf("tanh_c_t%d", t)); err != nil {
			return 0, nil, err
		}
		tanhC2, err := c.reload(st.TanhCPath, "tanh_c")
		if err != nil {
			return 0, nil, err
		}

		hNext, err := c.eng.Mul(og2, tanhC2)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: h_next: %w", t, err)
		}
		if st.HPath, err = c.swap.SwapOut(hNext, fmt.Sprintf("h_t%d", t)); err != nil {
			return 0, nil, err
		}
		hNext2, err := c.reload(st.HPath, "h_next")
		if err != nil {
			return 0, nil, err
		}

		logits, err := c.eng.MatMul(hNext2, weights.Why)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: h*W_hy: %w", t, err)
		}
		if err := c.eng.AddBroadcast(logits, weights.By.Data()); err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: +b_y: %w", t, err)
		}
		pred, err := c.eng.Softmax(logits)
		if err != nil {
			return 0, nil, fmt.Errorf("lstm: forward t=%d: softmax: %w", t, err)
		}
		if st.PredPath, err = c.swap.SwapOut(pred, fmt.Sprintf("pred_t%d", t)); err != nil {
			return 0, nil, err
		}
		pred2, err := c.reload(st.PredPath, "pred")
		if err != nil {
			return 0, nil, err
		}

		p := pred2.Data()[y[t]]
		if p < 1e-9 {
			p = 1e-9
		}
		totalLoss += -math.Log(float64(p))

		trace.Steps[t] = st
		hPrevPath, cPrevPath = st.HPath, st.CNextPath
	}

	finalH, err := c.swap.Load(hPrevPath)
	if err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: reload final h: %w", err)
	}
	finalC, err := c.swap.Load(cPrevPath)
	if err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: reload final c: %w", err)
	}
	if err := c.store.Overwrite(catalog.HiddenStateID, finalH); err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: persist hidden_state: %w", err)
	}
	if err := c.store.Overwrite(catalog.CellStateID, finalC); err != nil {
		return 0, nil, fmt.Errorf("lstm: forward: persist cell_state: %w", err)
	}

	mean := totalLoss / float64(len(x))
	return mean, trace, nil
}

type activationKind int

const (
	activationSigmoid activationKind = iota
	activationTanh
)

// gateActivation computes sigmoid(LN(x*Wi + h*Wh + b)) or tanh(LN(...)),
// the shared shape of every one of the four gates in spec §4.7 step 2c.
func (c *Core) gateActivation(gw *GateTensors, input, hPrev *tensor.HostTensor, kind activationKind) (*tensor.HostTensor, error) {
	xw, err := c.eng.MatMul(input, gw.Wi)
	if err != nil {
		return nil, fmt.Errorf("x*Wi: %w", err)
	}
	hw, err := c.eng.MatMul(hPrev, gw.Wh)
	if err != nil {
		return nil, fmt.Errorf("h*Wh: %w", err)
	}
	pre, err := c.eng.Add(xw, hw)
	if err != nil {
		return nil, fmt.Errorf("x*Wi + h*Wh: %w", err)
	}
	if err := c.eng.AddBroadcast(pre, gw.B.Data()); err != nil {
		return nil, fmt.Errorf("+b: %w", err)
	}
	if err := c.eng.LayerNorm(pre, gw.Gamma.Data(), gw.Beta.Data(), layerNormEps); err != nil {
		return nil, fmt.Errorf("layer_norm: %w", err)
	}
	switch kind {
	case activationTanh:
		return c.eng.Tanh(pre)
	default:
		return c.eng.Sigmoid(pre)
	}
}

const layerNormEps = 1e-5

// reload re-reads a just-written swap file, wrapping errors with what for
// diagnostics (spec §7: device/corruption errors should name what failed).
func (c *Core) reload(path, what string) (*tensor.HostTensor, error) {
	t, err := c.swap.Load(path)
	if err != nil {
		return nil, fmt.Errorf("lstm: reload %s: %w", what, err)
	}
	return t, nil
}
