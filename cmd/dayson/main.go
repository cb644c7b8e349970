// Command dayson drives the zero-RAM LSTM training pipeline end to end:
// it shards a pre-tokenized corpus into BlockStore, builds (or resumes) a
// weight catalog, and runs epochs through Trainer.
//
// Grounded on longbow-fletcher's cmd/fletcher/main.go flag set and zerolog
// console-writer setup, trimmed to this pipeline's own knobs.
package main

import (
	"bufio"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/dataset"
	"github.com/tsawler/dayson/gpu/engine"
	"github.com/tsawler/dayson/gpu/optimizer"
	"github.com/tsawler/dayson/lstm"
	"github.com/tsawler/dayson/swapstore"
	"github.com/tsawler/dayson/tensorid"
	"github.com/tsawler/dayson/tensorstore"
	"github.com/tsawler/dayson/train"
)

var (
	rootDir    = flag.String("root", "./Dayson", "Root directory for TensorCache, Swap, and batch files")
	corpusPath = flag.String("corpus", "", "Path to a whitespace-separated file of token indices")
	vocabSize  = flag.Int("vocab", 256, "Vocabulary size")
	embedSize  = flag.Int("embed", 64, "Embedding dimension")
	hiddenSize = flag.Int("hidden", 128, "Hidden state dimension")
	context    = flag.Int("context", 32, "Context window length")
	stride     = flag.Int("stride", 0, "Sliding window stride (0 = non-overlapping, i.e. stride=context)")
	batchSize  = flag.Int("batch", 16, "Pairs packed per dataset block")
	valSplit   = flag.Float64("val-split", 0.1, "Fraction of blocks reserved for validation")
	epochs     = flag.Int("epochs", 1, "Number of epochs to run")
	useDevice  = flag.Bool("device", false, "Use the simulated device engine instead of the host engine")
	resume     = flag.Bool("resume", false, "Resume from the most recent model catalog under -root/models")
	seed       = flag.Int64("seed", 1, "Weight initialization seed")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	flag.Parse()

	if *corpusPath == "" {
		log.Fatal().Msg("dayson: -corpus is required")
	}

	corpus, err := readCorpus(*corpusPath)
	if err != nil {
		log.Fatal().Err(err).Msg("dayson: failed to read corpus")
	}

	sessionID := tensorid.NewSession("dayson")
	tensorDir := filepath.Join(*rootDir, "TensorCache", sessionID)
	swapDir := filepath.Join(*rootDir, "Swap", sessionID)
	modelDir := filepath.Join(*rootDir, "models")
	batchPath := filepath.Join(*rootDir, "batches.bts")

	store, err := tensorstore.Open(tensorDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dayson: open tensorstore")
	}
	swap, err := swapstore.Open(swapDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dayson: open swapstore")
	}
	defer swap.Close()

	shards, err := dataset.Open(batchPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dayson: open dataset shard service")
	}
	defer shards.Close()

	if err := shards.Initialize(corpus, *context, *stride, *vocabSize, 0, *batchSize, *valSplit); err != nil {
		log.Fatal().Err(err).Msg("dayson: shard corpus")
	}
	log.Info().
		Int("train_blocks", len(shards.TrainOffsets())).
		Int("validation_blocks", len(shards.ValidationOffsets())).
		Msg("dayson: corpus sharded")

	var eng engine.Engine
	if *useDevice {
		eng = engine.NewDevice(log)
	} else {
		eng = engine.NewHost()
	}

	cfg := train.DefaultConfig(modelDir)
	opt := optimizer.New(optimizer.DefaultConfig(), eng, store, log)
	trainer := train.New(cfg, eng, store, swap, shards, opt, sessionID, log)
	defer trainer.Close()

	var catalog *lstm.WeightCatalog
	startEpoch := 0
	if *resume {
		catalog, startEpoch, err = trainer.Resume()
		if err != nil {
			log.Fatal().Err(err).Msg("dayson: resume")
		}
		log.Info().Int("epoch", startEpoch).Msg("dayson: resumed from catalog")
	} else {
		catalog, err = lstm.NewWeightCatalog(store, *vocabSize, *embedSize, *hiddenSize, *seed, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("dayson: build weight catalog")
		}
	}

	if err := trainer.RunSanityCheck(catalog); err != nil {
		log.Fatal().Err(err).Msg("dayson: sanity check failed, aborting before training")
	}
	log.Info().Msg("dayson: sanity check passed")

	for epoch := startEpoch; epoch < startEpoch+*epochs; epoch++ {
		trainLoss, valLoss, err := trainer.RunEpoch(catalog, epoch)
		if err != nil {
			log.Fatal().Err(err).Int("epoch", epoch).Msg("dayson: epoch failed")
		}
		log.Info().
			Int("epoch", epoch).
			Float64("train_loss", trainLoss).
			Float64("validation_loss", valLoss).
			Msg("dayson: epoch complete")
	}
}

// readCorpus parses a whitespace-separated list of non-negative integer
// token indices, the minimal external-collaborator shape the pipeline
// needs upstream of DatasetShardService.
func readCorpus(path string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []int32
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		v, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, int32(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
