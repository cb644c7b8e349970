// Package tensorstore implements the persistent, id-keyed tensor store from
// spec §4.2: one file per tensor under a session directory, an in-memory
// shape index that is authoritative for lookups, and per-id locking for
// read-modify-write operations.
package tensorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/tensor"
	"github.com/tsawler/dayson/tensorid"
)

// ErrNotFound is returned when an id has no entry in the shape index.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("tensorstore: not found: %s", e.ID) }

// ErrCorrupt is returned when on-disk state disagrees with the index.
type ErrCorrupt struct{ Reason string }

func (e *ErrCorrupt) Error() string { return "tensorstore: corrupt: " + e.Reason }

type entry struct {
	shape []int
	mu    *sync.Mutex
}

// Store is the process-wide tensor table, grounded on the teacher's
// gpu/matrix/checkpoint.go checksum-verified save/load path and
// memory-pool.go's mutex-guarded accounting.
type Store struct {
	dir string
	mu  sync.RWMutex
	idx map[string]*entry
	log zerolog.Logger
}

// Open creates (or reuses) the session directory rooted at dir.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tensorstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, idx: make(map[string]*entry), log: log}, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+".bin")
}

// Store allocates a fresh TensorId for name, writes t to a new file with
// create-new (fail-if-exists) semantics, and registers its shape.
func (s *Store) Store(t *tensor.HostTensor, name string) (string, error) {
	id := tensorid.New(name)
	path := s.pathFor(id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("tensorstore: create %s: %w", path, err)
	}
	if err := t.WriteTo(f); err != nil {
		f.Close()
		if rmErr := os.Remove(path); rmErr != nil {
			s.log.Error().Err(rmErr).Str("id", id).Msg("tensorstore: failed to remove orphan after write error")
		}
		return "", fmt.Errorf("tensorstore: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("tensorstore: close %s: %w", path, err)
	}

	s.mu.Lock()
	s.idx[id] = &entry{shape: t.Shape(), mu: &sync.Mutex{}}
	s.mu.Unlock()

	return id, nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.idx[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return e, nil
}

// Load reads id back, verifying the on-disk header against the index.
func (s *Store) Load(id string) (*tensor.HostTensor, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	path := s.pathFor(id)
	f, err := os.Open(path)
	if err != nil {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("missing file for indexed id %s: %v", id, err)}
	}
	defer f.Close()

	t, err := tensor.ReadHostFrom(f)
	if err != nil {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("id %s: %v", id, err)}
	}

	if !shapeEqual(t.Shape(), e.shape) {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("id %s: on-disk shape %v != index shape %v", id, t.Shape(), e.shape)}
	}
	return t, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Overwrite truncates and rewrites id's file under its per-id lock, then
// updates the index shape (shape changes are legal but unusual).
func (s *Store) Overwrite(id string, t *tensor.HostTensor) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	path := s.pathFor(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("tensorstore: overwrite open %s: %w", path, err)
	}
	if err := t.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("tensorstore: overwrite write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tensorstore: overwrite close %s: %w", path, err)
	}

	s.mu.Lock()
	e.shape = t.Shape()
	s.mu.Unlock()
	return nil
}

// SetRow performs a read-modify-write of a single row of a rank-2 tensor.
func (s *Store) SetRow(id string, row int, source []float32) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.RLock()
	shape := append([]int(nil), e.shape...)
	s.mu.RUnlock()

	if len(shape) != 2 {
		return fmt.Errorf("tensorstore: SetRow requires rank-2 tensor, id %s has rank %d", id, len(shape))
	}
	if len(source) != shape[1] {
		return fmt.Errorf("tensorstore: SetRow column mismatch: source has %d, tensor has %d", len(source), shape[1])
	}
	if row < 0 || row >= shape[0] {
		return fmt.Errorf("tensorstore: SetRow row %d out of range [0,%d)", row, shape[0])
	}

	t, err := s.loadLocked(id)
	if err != nil {
		return err
	}
	dst, err := t.Row(row)
	if err != nil {
		return err
	}
	copy(dst, source)

	path := s.pathFor(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("tensorstore: SetRow open %s: %w", path, err)
	}
	defer f.Close()
	return t.WriteTo(f)
}

// loadLocked loads id's tensor without re-acquiring the per-id lock
// (caller already holds it).
func (s *Store) loadLocked(id string) (*tensor.HostTensor, error) {
	path := s.pathFor(id)
	f, err := os.Open(path)
	if err != nil {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("missing file for indexed id %s: %v", id, err)}
	}
	defer f.Close()
	return tensor.ReadHostFrom(f)
}

// Delete removes id from the index and deletes its file. Deleting an id
// whose file is locked by another process is logged, not fatal.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.idx, id)
	s.mu.Unlock()

	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("id", id).Msg("tensorstore: delete failed, file may be locked")
	}
}

// Clone file-copies source_id's tensor to a newly allocated id.
func (s *Store) Clone(sourceID, newName string) (string, error) {
	t, err := s.Load(sourceID)
	if err != nil {
		return "", err
	}
	return s.Store(t, newName)
}

// Shape returns the index's recorded shape for id.
func (s *Store) Shape(id string) ([]int, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), e.shape...), nil
}

// Stats reports how many tensors are live and their total element count.
type Stats struct {
	Count      int
	ElementSum int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	st.Count = len(s.idx)
	for _, e := range s.idx {
		n := int64(1)
		for _, d := range e.shape {
			n *= int64(d)
		}
		st.ElementSum += n
	}
	return st
}
