// Package swapstore implements the ephemeral, write-through activation
// store from spec §4.3: a fresh directory per session, one file per
// swapped-out activation, and a mandatory "destroy the in-memory tensor on
// swap_out" contract so device/host memory never shadows what is already
// durable on disk.
package swapstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tsawler/dayson/tensor"
)

// Store is a single-writer-per-session swap directory, grounded on the
// teacher's gpu/matrix/data-loader.go prefetch-queue lifecycle (build fresh
// state at construction, tear it down explicitly) and
// command-queue-pool.go's pool teardown pattern.
type Store struct {
	dir string
	mu  sync.Mutex
	log zerolog.Logger
}

// Open deletes and recreates the session directory under root.
func Open(root string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Join(root, uuid.NewString())
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("swapstore: clean %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("swapstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Destroyable is satisfied by any tensor whose device/host-side resources
// can be released once the write-through copy lands on disk.
type Destroyable interface {
	Release()
}

// SwapOut serializes t to a new write-through file and then destroys t if it
// implements Destroyable (device tensors do; plain host tensors, which the
// Go garbage collector already reclaims, do not need to).
func (s *Store) SwapOut(t *tensor.HostTensor, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.swap", label, uuid.NewString()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("swapstore: create %s: %w", path, err)
	}
	if err := t.WriteTo(f); err != nil {
		f.Close()
		return "", fmt.Errorf("swapstore: write %s: %w", path, err)
	}
	// Write-through: fsync before returning so the contract ("buffer is
	// durable once swap_out returns") actually holds.
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("swapstore: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("swapstore: close %s: %w", path, err)
	}

	if d, ok := any(t).(Destroyable); ok {
		d.Release()
	}
	return path, nil
}

// SwapOutDevice is the device-tensor counterpart of SwapOut: it retrieves
// the buffer to host memory to serialize it, then releases the device
// buffer, matching the contract that after SwapOut* returns the device copy
// is gone.
func (s *Store) SwapOutDevice(t *tensor.DeviceTensor, label string) (string, error) {
	host, err := t.RetrieveHost()
	if err != nil {
		return "", err
	}
	path, err := s.SwapOut(host, label)
	if err != nil {
		return "", err
	}
	t.Release()
	return path, nil
}

// Load materializes a fresh HostTensor from path. Destruction of the
// returned tensor is the caller's responsibility.
func (s *Store) Load(path string) (*tensor.HostTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("swapstore: open %s: %w", path, err)
	}
	defer f.Close()
	t, err := tensor.ReadHostFrom(f)
	if err != nil {
		return nil, fmt.Errorf("swapstore: read %s: %w", path, err)
	}
	return t, nil
}

// Delete removes a single swap file.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("swapstore: delete %s: %w", path, err)
	}
	return nil
}

// ClearAll deletes every swap file left in the session directory (used by
// the LstmCore state machine's CLEANUP state on both success and failure).
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("swapstore: readdir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		p := filepath.Join(s.dir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", p).Msg("swapstore: ClearAll failed to remove file")
		}
	}
	return nil
}

// Count returns the number of files currently in the session directory,
// used by the leak-free loop test (spec §8, S6).
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close deletes the session directory entirely.
func (s *Store) Close() error {
	return os.RemoveAll(s.dir)
}
