package blockstore_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tsawler/dayson/blockstore"
)

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// storePath returns the on-disk path of a test fixture's store.
func storePath(t *testing.T, s *blockstore.Store) string {
	t.Helper()
	return s.Path()
}
