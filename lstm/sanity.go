package lstm

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/dayson/gpu/optimizer"
	"github.com/tsawler/dayson/tensor"
)

// ErrSanityFailed is the boundary error spec §7's taxonomy names
// `SanityFailed`: the mandatory one-shot self-test on synthetic input
// failed one of its three assertions, and training must not start.
var ErrSanityFailed = errors.New("lstm: sanity check failed")

// SanityCheck runs one full forward+backward+update cycle on synthetic
// input and verifies, per spec §4.7's "Sanity check" contract:
//   - forward loss is finite and within one "magnitude" of ln(V);
//   - every gradient tensor is free of NaN/Inf;
//   - total absolute gradient mass is > 1e-9.
//
// Any violation returns an error wrapping ErrSanityFailed and leaves the
// core in the same clean IDLE state TrainSequence would, having deleted
// every swap file and gradient tensor the attempt produced.
func (c *Core) SanityCheck(catalog *WeightCatalog, weights *WeightSet, x, y []int, opt *optimizer.AdamOptimizer) error {
	c.state = StateForward
	loss, trace, err := c.Forward(catalog, weights, x, y)
	if err != nil {
		c.cleanup(trace, nil)
		c.state = StateIdle
		return fmt.Errorf("%w: forward: %v", ErrSanityFailed, err)
	}
	lnV := math.Log(float64(catalog.VocabSize))
	if math.IsNaN(loss) || math.IsInf(loss, 0) || math.Abs(loss-lnV) >= lnV {
		c.cleanup(trace, nil)
		c.state = StateIdle
		return fmt.Errorf("%w: loss %v not within one magnitude of ln(V)=%v", ErrSanityFailed, loss, lnV)
	}

	c.state = StateBackward
	gradIDs, err := c.Backward(catalog, weights, trace, x, y)
	if err != nil {
		c.cleanup(trace, gradIDs)
		c.state = StateIdle
		return fmt.Errorf("%w: backward: %v", ErrSanityFailed, err)
	}

	grads := make(map[string]*tensor.HostTensor, len(gradIDs))
	var totalAbs float64
	for id, gradID := range gradIDs {
		g, err := c.store.Load(gradID)
		if err != nil {
			c.cleanup(trace, gradIDs)
			c.state = StateIdle
			return fmt.Errorf("%w: load gradient %s: %v", ErrSanityFailed, id, err)
		}
		for _, v := range g.Data() {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				c.cleanup(trace, gradIDs)
				c.state = StateIdle
				return fmt.Errorf("%w: gradient %s contains NaN/Inf", ErrSanityFailed, id)
			}
			totalAbs += math.Abs(float64(v))
		}
		grads[id] = g
	}
	if totalAbs <= 1e-9 {
		c.cleanup(trace, gradIDs)
		c.state = StateIdle
		return fmt.Errorf("%w: total gradient mass %v, want > 1e-9", ErrSanityFailed, totalAbs)
	}

	c.state = StateUpdate
	if err := opt.ClipGradients(grads); err != nil {
		c.cleanup(trace, gradIDs)
		c.state = StateIdle
		return fmt.Errorf("%w: clip_gradients: %v", ErrSanityFailed, err)
	}
	for _, id := range catalog.PrimaryWeightIDs() {
		g, ok := grads[id]
		if !ok {
			continue
		}
		if err := opt.Update(id, g); err != nil {
			c.cleanup(trace, gradIDs)
			c.state = StateIdle
			return fmt.Errorf("%w: update %s: %v", ErrSanityFailed, id, err)
		}
	}

	c.state = StateCleanup
	c.cleanup(trace, gradIDs)
	c.state = StateIdle
	return nil
}
