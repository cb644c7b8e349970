// Package train implements Trainer from spec §4.9: the per-epoch batch
// loop, periodic RSS-based memory trim, validation pass, and the
// catalog-JSON save/reload cycle between epochs.
//
// Grounded on the teacher's gpu/matrix/training.go (Trainer/TrainingState
// epoch loop shape, periodic runtime.GC() trim) and checkpoint.go
// (CheckpointManager's save/resume split), re-targeted from a GPU-resident
// model to the disk-backed WeightCatalog/SwapStore/TensorStore pipeline.
package train

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/dataset"
	"github.com/tsawler/dayson/gpu/engine"
	"github.com/tsawler/dayson/gpu/optimizer"
	syncguard "github.com/tsawler/dayson/gpu/sync"
	"github.com/tsawler/dayson/lstm"
	"github.com/tsawler/dayson/swapstore"
	"github.com/tsawler/dayson/tensorstore"
)

// Config is the Trainer's tunable knobs, default values lifted from
// spec §4.9 ("every N batches (default 10)", "~2000 MiB", "grew by >= 1 GiB").
type Config struct {
	ModelDir            string
	SyncEveryBatches     int
	RSSTrimThresholdBytes int64
	RSSGrowthThresholdBytes int64
	MaxBatchFailures     int
}

// DefaultConfig returns spec §4.9's defaults.
func DefaultConfig(modelDir string) Config {
	return Config{
		ModelDir:                modelDir,
		SyncEveryBatches:        10,
		RSSTrimThresholdBytes:   2000 * 1024 * 1024,
		RSSGrowthThresholdBytes: 1024 * 1024 * 1024,
		MaxBatchFailures:        5,
	}
}

// syncer is the capability accessor spec §4.5's engines expose instead of
// a downcast; only implementations with a real command queue need it.
type syncer interface {
	SyncGuard() *syncguard.Guard
}

// Trainer orchestrates one LstmCore across epochs of batches drawn from a
// DatasetShardService, per spec §4.9.
type Trainer struct {
	cfg   Config
	eng   engine.Engine
	store *tensorstore.Store
	swap  *swapstore.Store
	shards *dataset.ShardService
	opt   *optimizer.AdamOptimizer
	core  *lstm.Core
	log   zerolog.Logger

	sessionID     string
	batchFailures int
	lastTrimRSS   int64
}

// New builds a Trainer over an already-open engine, tensor store, swap
// store, shard service, and optimizer.
func New(cfg Config, eng engine.Engine, store *tensorstore.Store, swap *swapstore.Store, shards *dataset.ShardService, opt *optimizer.AdamOptimizer, sessionID string, log zerolog.Logger) *Trainer {
	return &Trainer{
		cfg:       cfg,
		eng:       eng,
		store:     store,
		swap:      swap,
		shards:    shards,
		opt:       opt,
		core:      lstm.New(eng, store, swap, log),
		log:       log,
		sessionID: sessionID,
	}
}

// Close disposes the engine, per spec.md §9's ruling that the Trainer
// owns engine disposal (no separate cache-manager owner).
func (t *Trainer) Close() {
	t.eng.Close()
}

// RunEpoch runs one full epoch of spec §4.9's per-epoch loop: load weights
// once, train every batch in the shard service's train split with periodic
// sync/RSS-trim checks, validate forward-only, then persist the weight-id
// catalog as JSON.
func (t *Trainer) RunEpoch(catalog *lstm.WeightCatalog, epoch int) (trainLoss, valLoss float64, err error) {
	weights, err := lstm.LoadWeights(t.store, catalog)
	if err != nil {
		return 0, 0, fmt.Errorf("train: run_epoch %d: load weights: %w", epoch, err)
	}

	var lossSum float64
	var lossCount int
	batchIdx := 0

	for _, offset := range t.shards.TrainOffsets() {
		pairs, err := t.shards.LoadBatch(offset)
		if err != nil {
			if aborted := t.recordFailure(err, "load_batch"); aborted {
				return 0, 0, fmt.Errorf("train: run_epoch %d: too many batch failures: %w", epoch, err)
			}
			continue
		}

		for _, p := range pairs {
			x := toInts(p.Input)
			y := toInts(p.Target)
			loss, err := t.core.TrainSequence(catalog, weights, x, y, t.opt)
			if err != nil {
				if aborted := t.recordFailure(err, "train_sequence"); aborted {
					return 0, 0, fmt.Errorf("train: run_epoch %d: too many batch failures: %w", epoch, err)
				}
				continue
			}
			trainLossGauge.Set(loss)
			lossSum += loss
			lossCount++
		}

		batchesProcessed.Inc()
		batchIdx++
		if batchIdx%t.cfg.SyncEveryBatches == 0 {
			t.syncAndMaybeTrim()
		}
	}

	if lossCount > 0 {
		trainLoss = lossSum / float64(lossCount)
	}

	valLoss, err = t.validate(catalog, weights)
	if err != nil {
		return trainLoss, 0, fmt.Errorf("train: run_epoch %d: validate: %w", epoch, err)
	}
	validationLoss.Set(valLoss)

	if err := t.saveCatalog(catalog, epoch); err != nil {
		return trainLoss, valLoss, fmt.Errorf("train: run_epoch %d: save catalog: %w", epoch, err)
	}

	epochsCompleted.Inc()
	return trainLoss, valLoss, nil
}

// validate runs a forward-only pass over every validation pair (spec §4.9
// step 4: "mean cross-entropy on validation batches (forward-only; swap
// files still created and deleted)").
func (t *Trainer) validate(catalog *lstm.WeightCatalog, weights *lstm.WeightSet) (float64, error) {
	var sum float64
	var count int
	for _, offset := range t.shards.ValidationOffsets() {
		pairs, err := t.shards.LoadBatch(offset)
		if err != nil {
			return 0, fmt.Errorf("load validation batch: %w", err)
		}
		for _, p := range pairs {
			loss, err := t.core.ForwardOnly(catalog, weights, toInts(p.Input), toInts(p.Target))
			if err != nil {
				return 0, fmt.Errorf("forward_only: %w", err)
			}
			sum += loss
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

// recordFailure logs and counts a failed batch, reporting whether the
// epoch must now abort (spec §7: "the Trainer counts failed batches,
// aborts the epoch when the count exceeds five").
func (t *Trainer) recordFailure(err error, stage string) bool {
	t.batchFailures++
	batchFailures.Inc()
	t.log.Warn().Err(err).Str("stage", stage).Int("failures", t.batchFailures).Msg("train: batch failed")
	return t.batchFailures > t.cfg.MaxBatchFailures
}

// syncAndMaybeTrim implements spec §4.9's "every N batches: synchronize,
// device-queue flush, host memory probe; trim if RSS exceeds threshold and
// grew enough since the last trim."
func (t *Trainer) syncAndMaybeTrim() {
	if sg, ok := t.eng.(syncer); ok {
		if guard := sg.SyncGuard(); guard != nil {
			if err := guard.SynchronizeBeforeRead("epoch-periodic"); err != nil {
				t.log.Warn().Err(err).Msg("train: periodic synchronize failed")
			}
		}
	}

	rss, err := readRSSBytes()
	if err != nil {
		t.log.Warn().Err(err).Msg("train: RSS probe failed")
		return
	}
	rssBytes.Set(float64(rss))

	if rss > t.cfg.RSSTrimThresholdBytes && rss-t.lastTrimRSS >= t.cfg.RSSGrowthThresholdBytes {
		runtime.GC()
		debug.FreeOSMemory()
		trimEvents.Inc()
		t.lastTrimRSS = rss
		t.log.Info().Int64("rss_bytes", rss).Msg("train: forced memory trim")
	}
}

// saveCatalog writes the epoch's model-catalog JSON under cfg.ModelDir,
// filename-sortable by epoch so Resume can find the most recent one.
func (t *Trainer) saveCatalog(catalog *lstm.WeightCatalog, epoch int) error {
	if err := os.MkdirAll(t.cfg.ModelDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", t.cfg.ModelDir, err)
	}
	path := filepath.Join(t.cfg.ModelDir, fmt.Sprintf("model_epoch_%06d.json", epoch))
	return SaveModelCatalog(path, catalog, t.sessionID)
}

// Resume loads the most recent catalog JSON under cfg.ModelDir (by
// filename sort, since filenames embed the zero-padded epoch number) and
// returns the reconstructed weight-id catalog plus the epoch to continue
// from (SPEC_FULL §4.9: a minimal checkpoint/resume path grounded on the
// teacher's CheckpointManager).
func (t *Trainer) Resume() (*lstm.WeightCatalog, int, error) {
	entries, err := os.ReadDir(t.cfg.ModelDir)
	if err != nil {
		return nil, 0, fmt.Errorf("train: resume: read %s: %w", t.cfg.ModelDir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "model_epoch_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, 0, fmt.Errorf("train: resume: no model catalog found under %s", t.cfg.ModelDir)
	}
	sort.Strings(names)
	latest := names[len(names)-1]

	catalog, sessionID, err := LoadModelCatalog(filepath.Join(t.cfg.ModelDir, latest))
	if err != nil {
		return nil, 0, fmt.Errorf("train: resume: %w", err)
	}
	t.sessionID = sessionID

	var epoch int
	if _, err := fmt.Sscanf(latest, "model_epoch_%d.json", &epoch); err != nil {
		return nil, 0, fmt.Errorf("train: resume: parse epoch from %s: %w", latest, err)
	}
	return catalog, epoch + 1, nil
}

func toInts(indices []int32) []int {
	out := make([]int, len(indices))
	for i, v := range indices {
		out[i] = int(v)
	}
	return out
}
