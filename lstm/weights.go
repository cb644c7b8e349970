// Package lstm implements LstmCore from spec §4.7: the weight identity
// catalog, the zero-RAM forward/backward pipeline, global gradient clipping,
// and the per-step state machine, grounded on the teacher's
// gpu/matrix/layers.go (Xavier-style weight init, per-parameter gradient
// fields on a LinearLayer generalized into one GateWeights per gate) and
// gradient-backward-ops.go (backward composition through a parameter's
// cached forward inputs), generalized from a GPU-resident layer stack to a
// disk-backed one.
package lstm

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/dayson/tensor"
	"github.com/tsawler/dayson/tensorstore"
)

// gateOrder fixes iteration order over the four gates so gradient
// accumulation and cleanup are deterministic.
var gateOrder = []string{"f", "i", "c", "o"}

// GateWeights is one gate's parameters: an input projection, a hidden
// projection, a bias, and its layer-norm affine parameters. Bias, gamma and
// beta are stored as rank-2 [1,H] tensors so they compose directly with
// engine.Add/AddBroadcast without a reshape.
type GateWeights struct {
	WiID, WhID, BID string
	GammaID, BetaID string
}

// WeightCatalog is the 15 primary weight tensors plus 8 layer-norm
// parameters from spec §3, represented solely by TensorId (spec's "Each is
// represented solely by its TensorId in memory; the data lives in
// TensorStore").
type WeightCatalog struct {
	VocabSize, EmbedSize, HiddenSize int

	EmbeddingID string
	Gates       map[string]GateWeights
	WhyID, ByID string

	HiddenStateID, CellStateID string
}

// Initializer is the black-box `init(rows, cols, seed) -> matrix` spec §1
// treats orthogonal-by-SVD weight initialization as (explicitly out of
// scope, specified only by interface). DefaultInitializer is a Xavier-style
// stand-in grounded on the teacher's layers.go, not a claim of SVD
// orthogonality.
type Initializer func(rows, cols int, seed int64) ([]float32, error)

// DefaultInitializer produces uniform(-scale, scale) weights with Xavier
// scale 1/sqrt(rows), the same formula gpu/matrix/layers.go uses for its
// dense-layer weights.
func DefaultInitializer(rows, cols int, seed int64) ([]float32, error) {
	rng := rand.New(rand.NewSource(seed))
	scale := float32(1.0)
	if rows > 0 {
		scale = 1.0 / sqrt32(float32(rows))
	}
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return data, nil
}

func sqrt32(v float32) float32 {
	if v <= 0 {
		return 1
	}
	x := v
	for i := 0; i < 30; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

func zerosRow(n int) []float32 { return make([]float32, n) }

func onesRow(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// NewWeightCatalog allocates every weight and layer-norm parameter tensor in
// store and returns the catalog of their ids. Biases are zero-initialized;
// gamma starts at 1, beta at 0 (identity affine until spec's backward
// contract, which never updates gamma/beta, leaves them as-is).
func NewWeightCatalog(store *tensorstore.Store, vocab, embed, hidden int, seed int64, initFn Initializer) (*WeightCatalog, error) {
	if initFn == nil {
		initFn = DefaultInitializer
	}
	wc := &WeightCatalog{VocabSize: vocab, EmbedSize: embed, HiddenSize: hidden, Gates: make(map[string]GateWeights)}

	embData, err := initFn(vocab, embed, seed)
	if err != nil {
		return nil, fmt.Errorf("lstm: init embedding: %w", err)
	}
	embT, err := tensor.NewHost([]int{vocab, embed}, embData)
	if err != nil {
		return nil, fmt.Errorf("lstm: build embedding tensor: %w", err)
	}
	if wc.EmbeddingID, err = store.Store(embT, "embedding"); err != nil {
		return nil, fmt.Errorf("lstm: store embedding: %w", err)
	}

	for gi, g := range gateOrder {
		seedOffset := seed + int64(gi)*4
		gw, err := newGateWeights(store, g, embed, hidden, seedOffset, initFn)
		if err != nil {
			return nil, err
		}
		wc.Gates[g] = gw
	}

	whyData, err := initFn(hidden, vocab, seed+1000)
	if err != nil {
		return nil, fmt.Errorf("lstm: init W_hy: %w", err)
	}
	whyT, err := tensor.NewHost([]int{hidden, vocab}, whyData)
	if err != nil {
		return nil, fmt.Errorf("lstm: build W_hy tensor: %w", err)
	}
	if wc.WhyID, err = store.Store(whyT, "w_hy"); err != nil {
		return nil, fmt.Errorf("lstm: store W_hy: %w", err)
	}

	byT, err := tensor.NewHost([]int{1, vocab}, zerosRow(vocab))
	if err != nil {
		return nil, fmt.Errorf("lstm: build b_y tensor: %w", err)
	}
	if wc.ByID, err = store.Store(byT, "b_y"); err != nil {
		return nil, fmt.Errorf("lstm: store b_y: %w", err)
	}

	hT, err := tensor.Zeros([]int{1, hidden})
	if err != nil {
		return nil, fmt.Errorf("lstm: build hidden_state tensor: %w", err)
	}
	if wc.HiddenStateID, err = store.Store(hT, "hidden_state"); err != nil {
		return nil, fmt.Errorf("lstm: store hidden_state: %w", err)
	}
	cT, err := tensor.Zeros([]int{1, hidden})
	if err != nil {
		return nil, fmt.Errorf("lstm: build cell_state tensor: %w", err)
	}
	if wc.CellStateID, err = store.Store(cT, "cell_state"); err != nil {
		return nil, fmt.Errorf("lstm: store cell_state: %w", err)
	}

	return wc, nil
}

func newGateWeights(store *tensorstore.Store, gate string, embed, hidden int, seed int64, initFn Initializer) (GateWeights, error) {
	wiData, err := initFn(embed, hidden, seed)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: init W_i%s: %w", gate, err)
	}
	wiT, err := tensor.NewHost([]int{embed, hidden}, wiData)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: build W_i%s tensor: %w", gate, err)
	}
	wiID, err := store.Store(wiT, "w_i_"+gate)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: store W_i%s: %w", gate, err)
	}

	whData, err := initFn(hidden, hidden, seed+1)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: init W_h%s: %w", gate, err)
	}
	whT, err := tensor.NewHost([]int{hidden, hidden}, whData)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: build W_h%s tensor: %w", gate, err)
	}
	whID, err := store.Store(whT, "w_h_"+gate)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: store W_h%s: %w", gate, err)
	}

	bT, err := tensor.NewHost([]int{1, hidden}, zerosRow(hidden))
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: build b%s tensor: %w", gate, err)
	}
	bID, err := store.Store(bT, "b_"+gate)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: store b%s: %w", gate, err)
	}

	gammaT, err := tensor.NewHost([]int{1, hidden}, onesRow(hidden))
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: build gamma%s tensor: %w", gate, err)
	}
	gammaID, err := store.Store(gammaT, "gamma_"+gate)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: store gamma%s: %w", gate, err)
	}

	betaT, err := tensor.NewHost([]int{1, hidden}, zerosRow(hidden))
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: build beta%s tensor: %w", gate, err)
	}
	betaID, err := store.Store(betaT, "beta_"+gate)
	if err != nil {
		return GateWeights{}, fmt.Errorf("lstm: store beta%s: %w", gate, err)
	}

	return GateWeights{WiID: wiID, WhID: whID, BID: bID, GammaID: gammaID, BetaID: betaID}, nil
}

// GateTensors holds one gate's weights already loaded into memory for the
// duration of an epoch (spec §4.9: "load all weights into device memory
// exactly once").
type GateTensors struct {
	Wi, Wh, B, Gamma, Beta *tensor.HostTensor
}

// WeightSet is the pre-loaded weight bundle spec §4.7's forward/backward
// contract calls "weights"; state (hidden/cell) is loaded and stored
// per-sequence instead, since it is tiny and must be durable between
// sequences within an epoch.
type WeightSet struct {
	Embedding *tensor.HostTensor
	Gates     map[string]*GateTensors
	Why, By   *tensor.HostTensor
}

// LoadWeights reads every tensor named in catalog into memory once, the way
// the Trainer's epoch scope does at the start of each epoch.
func LoadWeights(store *tensorstore.Store, catalog *WeightCatalog) (*WeightSet, error) {
	ws := &WeightSet{Gates: make(map[string]*GateTensors, len(gateOrder))}

	var err error
	if ws.Embedding, err = store.Load(catalog.EmbeddingID); err != nil {
		return nil, fmt.Errorf("lstm: load embedding: %w", err)
	}
	for _, g := range gateOrder {
		gw := catalog.Gates[g]
		gt := &GateTensors{}
		if gt.Wi, err = store.Load(gw.WiID); err != nil {
			return nil, fmt.Errorf("lstm: load W_i%s: %w", g, err)
		}
		if gt.Wh, err = store.Load(gw.WhID); err != nil {
			return nil, fmt.Errorf("lstm: load W_h%s: %w", g, err)
		}
		if gt.B, err = store.Load(gw.BID); err != nil {
			return nil, fmt.Errorf("lstm: load b%s: %w", g, err)
		}
		if gt.Gamma, err = store.Load(gw.GammaID); err != nil {
			return nil, fmt.Errorf("lstm: load gamma%s: %w", g, err)
		}
		if gt.Beta, err = store.Load(gw.BetaID); err != nil {
			return nil, fmt.Errorf("lstm: load beta%s: %w", g, err)
		}
		ws.Gates[g] = gt
	}
	if ws.Why, err = store.Load(catalog.WhyID); err != nil {
		return nil, fmt.Errorf("lstm: load W_hy: %w", err)
	}
	if ws.By, err = store.Load(catalog.ByID); err != nil {
		return nil, fmt.Errorf("lstm: load b_y: %w", err)
	}
	return ws, nil
}

// PrimaryWeightIDs returns the 15 ids Adam actually updates: embedding, the
// four gates' Wi/Wh/b, and W_hy/b_y. Gamma/beta are intentionally excluded
// (spec §4.7's backward contract never derives a gradient for them).
func (wc *WeightCatalog) PrimaryWeightIDs() []string {
	ids := make([]string, 0, 15)
	ids = append(ids, wc.EmbeddingID)
	for _, g := range gateOrder {
		gw := wc.Gates[g]
		ids = append(ids, gw.WiID, gw.WhID, gw.BID)
	}
	ids = append(ids, wc.WhyID, wc.ByID)
	return ids
}

// ResetState zeroes the hidden/cell state tensors, used between epochs.
func ResetState(store *tensorstore.Store, catalog *WeightCatalog) error {
	h, err := tensor.Zeros([]int{1, catalog.HiddenSize})
	if err != nil {
		return err
	}
	c, err := tensor.Zeros([]int{1, catalog.HiddenSize})
	if err != nil {
		return err
	}
	if err := store.Overwrite(catalog.HiddenStateID, h); err != nil {
		return fmt.Errorf("lstm: reset hidden_state: %w", err)
	}
	if err := store.Overwrite(catalog.CellStateID, c); err != nil {
		return fmt.Errorf("lstm: reset cell_state: %w", err)
	}
	return nil
}
