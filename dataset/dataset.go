// Package dataset implements DatasetShardService from spec §4.8: a
// one-pass corpus sharder that packs (input, target) index-window pairs
// into BlockStore blocks and remembers which block offsets belong to the
// training split and which to the validation split.
//
// Grounded on the teacher's gpu/matrix/data-loader.go Dataset/DataLoader
// split (index bookkeeping kept, separated from batch materialization),
// re-targeted from in-memory tensor batches to BlockStore-backed byte
// blocks per spec §4.8/§6.
package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/blockstore"
)

// Pair is one (input, target) index window: input = indices[i..i+context-1],
// target = indices[i+1..i+context].
type Pair struct {
	Input  []int32
	Target []int32
}

// ShardService streams a corpus into BlockStore-backed batch blocks and
// tracks which offsets are train vs. validation (spec §4.8).
type ShardService struct {
	blocks *blockstore.Store
	log    zerolog.Logger

	trainOffsets      []int64
	validationOffsets []int64
}

// Open wraps a BlockStore at path for sharding and batch loading.
func Open(path string, log zerolog.Logger) (*ShardService, error) {
	blocks, err := blockstore.Open(path, log)
	if err != nil {
		return nil, fmt.Errorf("dataset: open blockstore: %w", err)
	}
	return &ShardService{blocks: blocks, log: log}, nil
}

// Close releases the underlying BlockStore file.
func (s *ShardService) Close() error { return s.blocks.Close() }

// Initialize streams over corpus producing context-windowed (input, target)
// pairs, packs batch pairs per block, stores each block to BlockStore, and
// splits the resulting offset list into train/validation at
// (1-valSplit)*total (spec §4.8). stride controls how far the window
// advances between samples; stride <= 0 defaults to context (non-overlapping
// windows), which keeps the round-trip law over the packed payload
// independent of any windowing choice. The corpus slice is only read here;
// the caller is free to discard it once Initialize returns ("the corpus is
// held in host memory once to index it; after sharding it is released").
func (s *ShardService) Initialize(corpus []int32, context, stride, vocab, pad, batch int, valSplit float64) error {
	if context <= 0 {
		return fmt.Errorf("dataset: context must be > 0, got %d", context)
	}
	if batch <= 0 {
		return fmt.Errorf("dataset: batch must be > 0, got %d", batch)
	}
	if valSplit < 0 || valSplit >= 1 {
		return fmt.Errorf("dataset: val_split must be in [0,1), got %v", valSplit)
	}
	if stride <= 0 {
		stride = context
	}
	for _, idx := range corpus {
		if idx < 0 || int(idx) >= vocab {
			return fmt.Errorf("dataset: corpus index %d out of vocab range [0,%d)", idx, vocab)
		}
	}

	var allOffsets []int64
	var pending []Pair

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		payload, err := packBlock(pending)
		if err != nil {
			return err
		}
		offset, err := s.blocks.Store(payload)
		if err != nil {
			return fmt.Errorf("dataset: store block: %w", err)
		}
		allOffsets = append(allOffsets, offset)
		pending = pending[:0]
		return nil
	}

	n := len(corpus)
	for i := 0; i+1 < n; i += stride {
		input := make([]int32, context)
		target := make([]int32, context)
		for k := 0; k < context; k++ {
			if i+k < n {
				input[k] = corpus[i+k]
			} else {
				input[k] = int32(pad)
			}
			if i+k+1 < n {
				target[k] = corpus[i+k+1]
			} else {
				target[k] = int32(pad)
			}
		}
		pending = append(pending, Pair{Input: input, Target: target})
		if len(pending) == batch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	cut := int(float64(len(allOffsets)) * (1 - valSplit))
	s.trainOffsets = append([]int64(nil), allOffsets[:cut]...)
	s.validationOffsets = append([]int64(nil), allOffsets[cut:]...)
	return nil
}

// LoadBatch reads and deserializes the pair list stored at offset.
func (s *ShardService) LoadBatch(offset int64) ([]Pair, error) {
	raw, err := s.blocks.Get(offset)
	if err != nil {
		return nil, fmt.Errorf("dataset: load batch at %d: %w", offset, err)
	}
	return unpackBlock(raw)
}

// TrainOffsets returns the block offsets assigned to the training split.
func (s *ShardService) TrainOffsets() []int64 { return s.trainOffsets }

// ValidationOffsets returns the block offsets assigned to the validation split.
func (s *ShardService) ValidationOffsets() []int64 { return s.validationOffsets }

// packBlock serializes pairs per spec §6's dataset batch block payload:
// count:i32_le | {input_len:i32_le | target_len:i32_le | input_indices:i32_le×input_len | target_indices:i32_le×target_len}×count.
func packBlock(pairs []Pair) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(pairs))); err != nil {
		return nil, fmt.Errorf("dataset: write count: %w", err)
	}
	for _, p := range pairs {
		if err := binary.Write(&buf, binary.LittleEndian, int32(len(p.Input))); err != nil {
			return nil, fmt.Errorf("dataset: write input_len: %w", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, int32(len(p.Target))); err != nil {
			return nil, fmt.Errorf("dataset: write target_len: %w", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, p.Input); err != nil {
			return nil, fmt.Errorf("dataset: write input_indices: %w", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, p.Target); err != nil {
			return nil, fmt.Errorf("dataset: write target_indices: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func unpackBlock(raw []byte) ([]Pair, error) {
	r := bytes.NewReader(raw)
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("dataset: read count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("dataset: negative pair count %d", count)
	}
	pairs := make([]Pair, count)
	for i := int32(0); i < count; i++ {
		var inputLen, targetLen int32
		if err := binary.Read(r, binary.LittleEndian, &inputLen); err != nil {
			return nil, fmt.Errorf("dataset: read input_len: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &targetLen); err != nil {
			return nil, fmt.Errorf("dataset: read target_len: %w", err)
		}
		if inputLen < 0 || targetLen < 0 {
			return nil, fmt.Errorf("dataset: negative pair length")
		}
		input := make([]int32, inputLen)
		if err := binary.Read(r, binary.LittleEndian, input); err != nil {
			return nil, fmt.Errorf("dataset: read input_indices: %w", err)
		}
		target := make([]int32, targetLen)
		if err := binary.Read(r, binary.LittleEndian, target); err != nil {
			return nil, fmt.Errorf("dataset: read target_indices: %w", err)
		}
		pairs[i] = Pair{Input: input, Target: target}
	}
	return pairs, nil
}
