package train

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
)

// recordFailure aborts the epoch once failures exceed MaxBatchFailures
// (spec §7: "the Trainer counts failed batches, aborts the epoch when the
// count exceeds five").
func TestRecordFailureAbortsAfterThreshold(t *testing.T) {
	tr := &Trainer{
		cfg: Config{MaxBatchFailures: 2},
		log: zerolog.New(io.Discard),
	}

	err := errors.New("boom")
	if aborted := tr.recordFailure(err, "test"); aborted {
		t.Fatalf("failure 1 of 2 should not abort")
	}
	if aborted := tr.recordFailure(err, "test"); aborted {
		t.Fatalf("failure 2 of 2 should not abort")
	}
	if aborted := tr.recordFailure(err, "test"); !aborted {
		t.Fatalf("failure 3 should abort (exceeds threshold of 2)")
	}
}
