package lstm_test

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/gpu/engine"
	"github.com/tsawler/dayson/gpu/optimizer"
	"github.com/tsawler/dayson/lstm"
)

func syntheticSequence(vocab, n int) ([]int, []int) {
	x := make([]int, n)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		x[i] = i % vocab
		y[i] = (i + 1) % vocab
	}
	return x, y
}

// The sanity check must pass on a freshly initialized catalog and leave no
// residue, the same guarantee TrainSequence gives.
func TestSanityCheckPassesAndLeavesNoResidue(t *testing.T) {
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

	x, y := syntheticSequence(testVocab, 8)
	if err := core.SanityCheck(catalog, weights, x, y, opt); err != nil {
		t.Fatalf("SanityCheck: %v", err)
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

// A NaN in the embedding weight makes the forward pass fail (the looked-up
// input row is rejected as non-finite), which SanityCheck must catch and
// report as ErrSanityFailed rather than letting training proceed.
func TestSanityCheckCatchesNaNWeights(t *testing.T) {
	store, swap, catalog := newHarness(t)
	eng := engine.NewHost()
	defer eng.Close()
	log := zerolog.New(io.Discard)

	weights, err := lstm.LoadWeights(store, catalog)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	emb, err := store.Load(catalog.EmbeddingID)
	if err != nil {
		t.Fatalf("load embedding: %v", err)
	}
	data := emb.Data()
	for i := range data {
		data[i] = float32(math.NaN())
	}
	if err := store.Overwrite(catalog.EmbeddingID, emb); err != nil {
		t.Fatalf("overwrite embedding: %v", err)
	}
	weights.Embedding, err = store.Load(catalog.EmbeddingID)
	if err != nil {
		t.Fatalf("reload embedding: %v", err)
	}

	opt := optimizer.New(optimizer.DefaultConfig(), eng, store, log)
	core := lstm.New(eng, store, swap, log)

	x, y := syntheticSequence(testVocab, 8)
	err = core.SanityCheck(catalog, weights, x, y, opt)
	if err == nil {
		t.Fatalf("expected SanityCheck to fail with NaN weights")
	}
	if !errors.Is(err, lstm.ErrSanityFailed) {
		t.Fatalf("err = %v, want wrapped ErrSanityFailed", err)
	}
	if core.State() != lstm.StateIdle {
		t.Fatalf("state = %v, want IDLE even after failure", core.State())
	}

	n, cerr := swap.Count()
	if cerr != nil {
		t.Fatalf("swap.Count: %v", cerr)
	}
	if n != 0 {
		t.Fatalf("swap store has %d residual files after failed sanity check, want 0", n)
	}
}
