package dataset_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/dataset"
)

func openService(t *testing.T) *dataset.ShardService {
	t.Helper()
	dir, err := os.MkdirTemp("", "dataset-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := dataset.Open(filepath.Join(dir, "batches.bts"), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("dataset.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitializeSplitsTrainAndValidation(t *testing.T) {
	s := openService(t)
	corpus := make([]int32, 200)
	for i := range corpus {
		corpus[i] = int32(i % 20)
	}

	if err := s.Initialize(corpus, 8, 0, 20, 0, 4, 0.1); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	train := s.TrainOffsets()
	val := s.ValidationOffsets()
	if len(train) == 0 {
		t.Fatalf("expected nonzero train offsets")
	}
	if len(val) == 0 {
		t.Fatalf("expected nonzero validation offsets")
	}
	total := len(train) + len(val)
	wantVal := int(float64(total) * 0.1)
	if len(val) < wantVal-1 || len(val) > wantVal+1 {
		t.Fatalf("validation split size = %d, want close to %d", len(val), wantVal)
	}
}

// R3-style round trip: every stored batch loads back with the same shape
// it was packed with.
func TestLoadBatchRoundTrip(t *testing.T) {
	s := openService(t)
	corpus := make([]int32, 64)
	for i := range corpus {
		corpus[i] = int32(i % 10)
	}
	if err := s.Initialize(corpus, 4, 0, 10, 0, 2, 0.25); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for _, offset := range append(s.TrainOffsets(), s.ValidationOffsets()...) {
		pairs, err := s.LoadBatch(offset)
		if err != nil {
			t.Fatalf("LoadBatch(%d): %v", offset, err)
		}
		if len(pairs) == 0 {
			t.Fatalf("LoadBatch(%d) returned no pairs", offset)
		}
		for _, p := range pairs {
			if len(p.Input) != 4 || len(p.Target) != 4 {
				t.Fatalf("pair shape = (%d,%d), want (4,4)", len(p.Input), len(p.Target))
			}
		}
	}
}

func TestInitializeRejectsOutOfRangeIndex(t *testing.T) {
	s := openService(t)
	corpus := []int32{0, 1, 999}
	if err := s.Initialize(corpus, 2, 0, 10, 0, 2, 0.1); err == nil {
		t.Fatalf("expected error for out-of-range corpus index")
	}
}

func TestInitializeStrideControlsSampleCount(t *testing.T) {
	corpus := make([]int32, 100)
	for i := range corpus {
		corpus[i] = int32(i % 10)
	}

	nonOverlap := openService(t)
	if err := nonOverlap.Initialize(corpus, 5, 0, 10, 0, 100, 0.1); err != nil {
		t.Fatalf("Initialize (stride=context): %v", err)
	}
	denseSlide := openService(t)
	if err := denseSlide.Initialize(corpus, 5, 1, 10, 0, 100, 0.1); err != nil {
		t.Fatalf("Initialize (stride=1): %v", err)
	}

	countPairs := func(s *dataset.ShardService) int {
		total := 0
		for _, offset := range append(s.TrainOffsets(), s.ValidationOffsets()...) {
			pairs, err := s.LoadBatch(offset)
			if err != nil {
				t.Fatalf("LoadBatch: %v", err)
			}
			total += len(pairs)
		}
		return total
	}

	if countPairs(denseSlide) <= countPairs(nonOverlap) {
		t.Fatalf("stride=1 should produce more samples than stride=context")
	}
}

func TestInitializeRejectsBadValSplit(t *testing.T) {
	s := openService(t)
	corpus := []int32{0, 1, 2, 3}
	if err := s.Initialize(corpus, 2, 0, 10, 0, 2, 1.0); err == nil {
		t.Fatalf("expected error for val_split >= 1")
	}
}
