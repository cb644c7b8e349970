package train

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/dayson/lstm"
)

// sanitySequenceLength is the length of the synthetic sequence the
// pre-training sanity check runs a forward+backward+update cycle over.
const sanitySequenceLength = 16

// RunSanityCheck builds a synthetic token sequence spanning the catalog's
// vocabulary and runs it through Core.SanityCheck before any real epoch
// starts (spec §4.7's mandatory pre-training self-test). gonum/stat
// computes the synthetic sequence's baseline mean/stddev as a guard
// against a degenerate all-one-token sequence, which would make the
// ln(V) loss assertion meaningless.
func (t *Trainer) RunSanityCheck(catalog *lstm.WeightCatalog) error {
	weights, err := lstm.LoadWeights(t.store, catalog)
	if err != nil {
		return fmt.Errorf("train: sanity_check: load weights: %w", err)
	}

	n := sanitySequenceLength
	if catalog.VocabSize < n {
		n = catalog.VocabSize
	}
	if n < 2 {
		n = 2
	}

	samples := make([]float64, n)
	x := make([]int, n)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		x[i] = i % catalog.VocabSize
		y[i] = (i + 1) % catalog.VocabSize
		samples[i] = float64(x[i])
	}

	mean, stdDev := stat.MeanStdDev(samples, nil)
	if stdDev == 0 {
		return fmt.Errorf("train: sanity_check: synthetic sequence is degenerate (vocab_size=%d, mean=%v, stddev=0)", catalog.VocabSize, mean)
	}
	t.log.Debug().Float64("mean", mean).Float64("stddev", stdDev).Msg("train: sanity check synthetic baseline")

	if err := t.core.SanityCheck(catalog, weights, x, y, t.opt); err != nil {
		return fmt.Errorf("train: sanity_check: %w", err)
	}
	return nil
}
