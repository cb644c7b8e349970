package lstm

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/gpu/engine"
	"github.com/tsawler/dayson/gpu/optimizer"
	"github.com/tsawler/dayson/swapstore"
	"github.com/tsawler/dayson/tensor"
	"github.com/tsawler/dayson/tensorstore"
)

// State is one stage of the per-step state machine from spec §4.7
// ("IDLE -> FORWARD -> BACKWARD -> UPDATE -> CLEANUP -> IDLE").
type State int

const (
	StateIdle State = iota
	StateForward
	StateBackward
	StateUpdate
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateForward:
		return "FORWARD"
	case StateBackward:
		return "BACKWARD"
	case StateUpdate:
		return "UPDATE"
	case StateCleanup:
		return "CLEANUP"
	default:
		return "IDLE"
	}
}

// Core wires TensorStore, SwapStore and a MathEngine into the zero-RAM LSTM
// training pipeline (spec §4.7), grounded on the teacher's
// gpu/matrix/training.go per-step loop shape and layers.go's layer-parameter
// composition, generalized to a disk-backed activation lifecycle.
type Core struct {
	eng   engine.Engine
	store *tensorstore.Store
	swap  *swapstore.Store
	log   zerolog.Logger

	state State
}

// New builds a Core over the given engine, tensor store and swap store.
func New(eng engine.Engine, store *tensorstore.Store, swap *swapstore.Store, log zerolog.Logger) *Core {
	return &Core{eng: eng, store: store, swap: swap, log: log, state: StateIdle}
}

// State reports the core's current position in the per-step state machine.
func (c *Core) State() State { return c.state }

// TrainSequence runs one full forward -> backward -> update -> cleanup cycle
// (spec §4.7 "Update" and "State machine" sections). A fault in any stage
// forces CLEANUP (swap files and gradient tensors deleted) before the error
// is re-raised, matching spec §4.7's state machine and §7's "disposal paths
// never throw past their boundary" policy.
func (c *Core) TrainSequence(catalog *WeightCatalog, weights *WeightSet, x, y []int, opt *optimizer.AdamOptimizer) (float64, error) {
	c.state = StateForward
	loss, trace, err := c.Forward(catalog, weights, x, y)
	if err != nil {
		c.cleanup(trace, nil)
		return 0, fmt.Errorf("lstm: train_sequence: forward: %w", err)
	}

	c.state = StateBackward
	gradIDs, err := c.Backward(catalog, weights, trace, x, y)
	if err != nil {
		c.cleanup(trace, gradIDs)
		return 0, fmt.Errorf("lstm: train_sequence: backward: %w", err)
	}

	c.state = StateUpdate
	grads := make(map[string]*tensor.HostTensor, len(gradIDs))
	for _, id := range catalog.PrimaryWeightIDs() {
		gradID, ok := gradIDs[id]
		if !ok {
			continue
		}
		g, err := c.store.Load(gradID)
		if err != nil {
			c.cleanup(trace, gradIDs)
			return 0, fmt.Errorf("lstm: train_sequence: load grad %s: %w", id, err)
		}
		grads[id] = g
	}

	if err := opt.ClipGradients(grads); err != nil {
		c.cleanup(trace, gradIDs)
		return 0, fmt.Errorf("lstm: train_sequence: clip_gradients: %w", err)
	}

	for _, id := range catalog.PrimaryWeightIDs() {
		g, ok := grads[id]
		if !ok {
			continue
		}
		if err := opt.Update(id, g); err != nil {
			c.cleanup(trace, gradIDs)
			return 0, fmt.Errorf("lstm: train_sequence: update %s: %w", id, err)
		}
	}

	c.state = StateCleanup
	c.cleanup(trace, gradIDs)
	c.state = StateIdle
	return loss, nil
}

// ForwardOnly runs the forward pass and cleans up its swap files without a
// backward/update step, the shape spec §4.9's validation pass needs
// ("forward-only; swap files still created and deleted").
func (c *Core) ForwardOnly(catalog *WeightCatalog, weights *WeightSet, x, y []int) (float64, error) {
	c.state = StateForward
	loss, trace, err := c.Forward(catalog, weights, x, y)
	c.cleanup(trace, nil)
	c.state = StateIdle
	if err != nil {
		return 0, fmt.Errorf("lstm: forward_only: %w", err)
	}
	return loss, nil
}

// cleanup deletes every swap file from trace and every gradient tensor
// Backward wrote to TensorStore (spec §4.7's lifecycle: "gradient
// accumulator tensors are ... deleted after the Adam update"), logging
// rather than failing on partial release (spec §7: "partial release is
// preferred to a resource leak").
func (c *Core) cleanup(trace *ForwardTrace, gradIDs map[string]string) {
	if trace != nil {
		for _, st := range trace.Steps {
			for _, p := range []string{st.InputPath, st.FgPath, st.IgPath, st.CcPath, st.OgPath, st.CNextPath, st.TanhCPath, st.HPath, st.PredPath, st.HPrevPath, st.CPrevPath} {
				if p == "" {
					continue
				}
				if err := c.swap.Delete(p); err != nil {
					c.log.Warn().Err(err).Str("path", p).Msg("lstm: cleanup failed to delete swap file")
				}
			}
		}
	}
	for _, gradID := range gradIDs {
		c.store.Delete(gradID)
	}
	if err := c.swap.ClearAll(); err != nil {
		c.log.Warn().Err(err).Msg("lstm: cleanup failed to clear swap directory")
	}
}
