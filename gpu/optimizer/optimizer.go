// Package optimizer implements AdamOptimizer from spec §4.6: disk-resident
// m/v state keyed by parameter, updated through the MathEngine's fused
// adam_update kernel. It replaces the teacher's GPU-resident SGD/Adam/AdamW/
// RMSprop family (gpu/optimizer/optimizer.go), which assumed every buffer
// already lived on a Metal device and never needed to survive a process
// restart; this module keeps exactly the parameter/gradient-pair update loop
// shape but backs momentum with TensorStore instead of a GPU buffer pool.
package optimizer

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/gpu/engine"
	"github.com/tsawler/dayson/tensor"
	"github.com/tsawler/dayson/tensorstore"
)

// Config holds Adam's hyperparameters (spec §4.6).
type Config struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	MaxNorm      float32 // global gradient-norm clip threshold (default 30.0)
	ElementClip  float32 // per-element sanitize_and_clip bound (default 0.005)
}

// DefaultConfig matches the values spec §7 preserves "as-is" because
// downstream hyperparameters were tuned against them.
func DefaultConfig() Config {
	return Config{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		MaxNorm:      30.0,
		ElementClip:  0.005,
	}
}

type state struct {
	mID, vID string
	t        int64
}

// AdamOptimizer is the disk-resident Adam state map from spec §4.6: a map
// from parameter tensor id to (m_id, v_id, t), initialized lazily.
type AdamOptimizer struct {
	cfg    Config
	eng    engine.Engine
	store  *tensorstore.Store
	log    zerolog.Logger
	states map[string]*state
}

// New builds an AdamOptimizer backed by store for m/v persistence and eng
// for the fused update kernel.
func New(cfg Config, eng engine.Engine, store *tensorstore.Store, log zerolog.Logger) *AdamOptimizer {
	return &AdamOptimizer{cfg: cfg, eng: eng, store: store, log: log, states: make(map[string]*state)}
}

// Update performs steps 1-6 of spec §4.6 for a single parameter: lazily
// creates m/v, loads them, increments t, dispatches adam_update, and writes
// m, v, and the updated parameter back to the store.
func (o *AdamOptimizer) Update(paramID string, grad *tensor.HostTensor) error {
	param, err := o.store.Load(paramID)
	if err != nil {
		return fmt.Errorf("optimizer: load param %s: %w", paramID, err)
	}
	shape := param.Shape()

	st, ok := o.states[paramID]
	if !ok {
		zeroM, err := tensor.Zeros(shape)
		if err != nil {
			return fmt.Errorf("optimizer: alloc m for %s: %w", paramID, err)
		}
		zeroV, err := tensor.Zeros(shape)
		if err != nil {
			return fmt.Errorf("optimizer: alloc v for %s: %w", paramID, err)
		}
		mID, err := o.store.Store(zeroM, paramID+"_adam_m")
		if err != nil {
			return fmt.Errorf("optimizer: init m for %s: %w", paramID, err)
		}
		vID, err := o.store.Store(zeroV, paramID+"_adam_v")
		if err != nil {
			return fmt.Errorf("optimizer: init v for %s: %w", paramID, err)
		}
		st = &state{mID: mID, vID: vID, t: 0}
		o.states[paramID] = st
	}

	m, err := o.store.Load(st.mID)
	if err != nil {
		return fmt.Errorf("optimizer: load m for %s: %w", paramID, err)
	}
	v, err := o.store.Load(st.vID)
	if err != nil {
		return fmt.Errorf("optimizer: load v for %s: %w", paramID, err)
	}

	st.t++
	if err := o.eng.AdamUpdate(param, grad, m, v, o.cfg.LearningRate, o.cfg.Beta1, o.cfg.Beta2, o.cfg.Epsilon, st.t); err != nil {
		return fmt.Errorf("optimizer: adam_update %s: %w", paramID, err)
	}

	if err := o.store.Overwrite(st.mID, m); err != nil {
		return fmt.Errorf("optimizer: store m for %s: %w", paramID, err)
	}
	if err := o.store.Overwrite(st.vID, v); err != nil {
		return fmt.Errorf("optimizer: store v for %s: %w", paramID, err)
	}
	if err := o.store.Overwrite(paramID, param); err != nil {
		return fmt.Errorf("optimizer: store param %s: %w", paramID, err)
	}
	return nil
}

// ClipGradients implements spec §4.7 backward-pass steps 4-5: per-element
// sanitize-and-clip followed by global gradient-norm clipping across every
// named gradient tensor.
func (o *AdamOptimizer) ClipGradients(grads map[string]*tensor.HostTensor) error {
	for id, g := range grads {
		if err := o.eng.SanitizeAndClip(g, o.cfg.ElementClip); err != nil {
			return fmt.Errorf("optimizer: sanitize_and_clip %s: %w", id, err)
		}
	}

	var sumSquares float64
	for _, g := range grads {
		sumSquares += o.eng.SumOfSquares(g)
	}
	norm := math.Sqrt(sumSquares)

	if norm > float64(o.cfg.MaxNorm) {
		scale := float32(float64(o.cfg.MaxNorm) / (norm + 1e-8))
		for id, g := range grads {
			if err := o.eng.Scale(g, scale); err != nil {
				return fmt.Errorf("optimizer: scale gradient %s: %w", id, err)
			}
		}
		o.log.Debug().Float64("norm", norm).Float32("scale", scale).Msg("optimizer: clipped global gradient norm")
	}
	return nil
}

// Reset deletes every m/v file and clears the state map (spec §4.6's
// reset_optimizer).
func (o *AdamOptimizer) Reset() {
	for _, st := range o.states {
		o.store.Delete(st.mID)
		o.store.Delete(st.vID)
	}
	o.states = make(map[string]*state)
}

// StepCount returns the timestep counter for paramID, or 0 if it has never
// been updated.
func (o *AdamOptimizer) StepCount(paramID string) int64 {
	if st, ok := o.states[paramID]; ok {
		return st.t
	}
	return 0
}

// PersistedState is the JSON-serializable snapshot of one parameter's Adam
// state. The Trainer's checkpoint catalog does not include it.
type PersistedState struct {
	MID string `json:"m_id"`
	VID string `json:"v_id"`
	T   int64  `json:"t"`
}

// Snapshot exports the current state map for checkpointing.
func (o *AdamOptimizer) Snapshot() map[string]PersistedState {
	out := make(map[string]PersistedState, len(o.states))
	for id, st := range o.states {
		out[id] = PersistedState{MID: st.mID, VID: st.vID, T: st.t}
	}
	return out
}

// Restore reloads a previously exported state map, used when the Trainer
// resumes a checkpointed model.
func (o *AdamOptimizer) Restore(snap map[string]PersistedState) {
	states := make(map[string]*state, len(snap))
	for id, ps := range snap {
		states[id] = &state{mID: ps.MID, vID: ps.VID, t: ps.T}
	}
	o.states = states
}
