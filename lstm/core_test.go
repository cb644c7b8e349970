package lstm_test

import (
	"io"
	"math"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/gpu/engine"
	"github.com/tsawler/dayson/gpu/optimizer"
	"github.com/tsawler/dayson/lstm"
	"github.com/tsawler/dayson/swapstore"
	"github.com/tsawler/dayson/tensorstore"
)

const (
	testVocab  = 50
	testEmbed  = 8
	testHidden = 16
)

func newHarness(t *testing.T) (*tensorstore.Store, *swapstore.Store, *lstm.WeightCatalog) {
	t.Helper()
	tsDir, err := os.MkdirTemp("", "lstm-tensorstore-*")
	if err != nil {
		t.Fatalf("MkdirTemp tensorstore: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tsDir) })
	swDir, err := os.MkdirTemp("", "lstm-swapstore-*")
	if err != nil {
		t.Fatalf("MkdirTemp swapstore: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(swDir) })

	store, err := tensorstore.Open(tsDir, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("tensorstore.Open: %v", err)
	}
	swap, err := swapstore.Open(swDir, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("swapstore.Open: %v", err)
	}
	t.Cleanup(func() { swap.Close() })

	catalog, err := lstm.NewWeightCatalog(store, testVocab, testEmbed, testHidden, 1, nil)
	if err != nil {
		t.Fatalf("NewWeightCatalog: %v", err)
	}
	return store, swap, catalog
}

// S4: with a fixed seed, the first-step loss lands within ln(V) of ln(V), and
// the gradients the step produced have a total magnitude above 1e-9.
func TestTrainSequenceFirstStepLossAndGradients(t *testing.T) {
	store, swap, catalog := newHarness(t)
	eng := engine.NewHost()
	defer eng.Close()
	log := zerolog.New(io.Discard)

	weights, err := lstm.LoadWeights(store, catalog)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	core := lstm.New(eng, store, swap, log)
	x := []int{5, 10}
	y := []int{10, 15}

	loss, trace, err := core.Forward(catalog, weights, x, y)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	lnV := math.Log(float64(testVocab))
	if math.Abs(loss-lnV) >= lnV {
		t.Fatalf("first-step loss %v not within ln(V)=%v of ln(V)", loss, lnV)
	}

	gradIDs, err := core.Backward(catalog, weights, trace, x, y)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if len(gradIDs) == 0 {
		t.Fatalf("expected at least one gradient id")
	}
	var totalAbs float64
	for paramID, gradID := range gradIDs {
		g, err := store.Load(gradID)
		if err != nil {
			t.Fatalf("load grad for %s: %v", paramID, err)
		}
		for _, v := range g.Data() {
			totalAbs += math.Abs(float64(v))
		}
	}
	if totalAbs <= 1e-9 {
		t.Fatalf("total gradient mass %v, want > 1e-9", totalAbs)
	}

	for _, gradID := range gradIDs {
		store.Delete(gradID)
	}
}

// T4: after a full train_sequence, the loss is finite, the core is back in
// IDLE, and the swap directory is empty.
func TestTrainSequenceLeavesNoResidue(t *testing.T) {
	store, swap, catalog := newHarness(t)
	eng := engine.NewHost()
	defer eng.Close()
	log := zerolog.New(io.Discard)

	weights, err := lstm.LoadWeights(store, catalog)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	opt := optimizer.New(optimizer.DefaultConfig(), eng, store, log)
	core := lstm.New(eng, store, swap, log)

	loss, err := core.TrainSequence(catalog, weights, []int{1, 2, 3}, []int{2, 3, 4}, opt)
	if err != nil {
		t.Fatalf("TrainSequence: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss = %v, want finite", loss)
	}
	if core.State() != lstm.StateIdle {
		t.Fatalf("state = %v, want IDLE", core.State())
	}

	n, err := swap.Count()
	if err != nil {
		t.Fatalf("swap.Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("swap store has %d residual files, want 0", n)
	}
}

// S6: a long run of consecutive train_sequence calls never leaks swap files.
func TestTrainSequenceLoopLeakFree(t *testing.T) {
	store, swap, catalog := newHarness(t)
	eng := engine.NewHost()
	defer eng.Close()
	log := zerolog.New(io.Discard)

	weights, err := lstm.LoadWeights(store, catalog)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	opt := optimizer.New(optimizer.DefaultConfig(), eng, store, log)
	core := lstm.New(eng, store, swap, log)

	x := make([]int, 32)
	y := make([]int, 32)
	for i := range x {
		x[i] = i % testVocab
		y[i] = (i + 1) % testVocab
	}

	const iterations = 50
	for i := 0; i < iterations; i++ {
		if _, err := core.TrainSequence(catalog, weights, x, y, opt); err != nil {
			t.Fatalf("iteration %d: TrainSequence: %v", i, err)
		}
		n, err := swap.Count()
		if err != nil {
			t.Fatalf("iteration %d: swap.Count: %v", i, err)
		}
		if n != 0 {
			t.Fatalf("iteration %d: swap store has %d residual files, want 0", i, n)
		}
	}
}

// ResetState zeroes the persisted hidden/cell state between epochs.
func TestResetStateZeroesHiddenAndCell(t *testing.T) {
	store, swap, catalog := newHarness(t)
	eng := engine.NewHost()
	defer eng.Close()
	log := zerolog.New(io.Discard)

	weights, err := lstm.LoadWeights(store, catalog)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	opt := optimizer.New(optimizer.DefaultConfig(), eng, store, log)
	core := lstm.New(eng, store, swap, log)

	if _, err := core.TrainSequence(catalog, weights, []int{1, 2}, []int{2, 3}, opt); err != nil {
		t.Fatalf("TrainSequence: %v", err)
	}

	if err := lstm.ResetState(store, catalog); err != nil {
		t.Fatalf("ResetState: %v", err)
	}
	h, err := store.Load(catalog.HiddenStateID)
	if err != nil {
		t.Fatalf("load hidden_state: %v", err)
	}
	for _, v := range h.Data() {
		if v != 0 {
			t.Fatalf("hidden_state not reset to zero, got %v", v)
		}
	}
	c, err := store.Load(catalog.CellStateID)
	if err != nil {
		t.Fatalf("load cell_state: %v", err)
	}
	for _, v := range c.Data() {
		if v != 0 {
			t.Fatalf("cell_state not reset to zero, got %v", v)
		}
	}
}
