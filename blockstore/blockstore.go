// Package blockstore implements the append-only, checksum-protected block
// file described in spec §4.1 and §6: a single file of
// len:i32_le | checksum:i32_le | bytes[len] records, returning the byte
// offset of each record's length prefix as a stable handle.
package blockstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// MaxBlockLen is the largest payload a block may declare; reading a header
// claiming more is treated as corruption (spec §4.1, B4).
const MaxBlockLen = 100 * 1024 * 1024

// headroomBytes is the free-space safety margin spec §4.1 requires beyond
// the payload itself before a store() is attempted.
const headroomBytes = 1 * 1024 * 1024

// Store is an append-only block file guarded by a single reader/writer
// lock, grounded on the mutex-guarded counters in the teacher's
// gpu/matrix/memory-pool.go MemoryStats and the rollback-on-failure shape of
// fletcher's internal/client/circuit_breaker.go.
type Store struct {
	path string
	mu   sync.RWMutex
	f    *os.File
	size int64
	log  zerolog.Logger
}

// Stats summarizes the current state of the block file.
type Stats struct {
	FileSize   int64
	BlockCount int64
}

// Open opens (creating if necessary) the block file at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockstore: stat %s: %w", path, err)
	}
	return &Store{path: path, f: f, size: info.Size(), log: log}, nil
}

func checksum(data []byte) int32 {
	var h int32
	for _, b := range data {
		h = h*31 + int32(b)
	}
	return h
}

func freeSpace(path string) (int64, error) {
	var stat diskStat
	if err := statfs(path, &stat); err != nil {
		// Not all platforms/filesystems expose statfs cleanly; treat as
		// "unknown, assume plenty" rather than fail every store().
		return 1 << 62, nil
	}
	return stat.availableBytes, nil
}

// Store appends a checksum-protected block and returns its offset.
func (s *Store) Store(data []byte) (int64, error) {
	if len(data) > MaxBlockLen {
		return 0, fmt.Errorf("blockstore: payload length %d exceeds max block length %d", len(data), MaxBlockLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	avail, err := freeSpace(s.path)
	if err == nil && avail < int64(len(data))+headroomBytes {
		return 0, fmt.Errorf("blockstore: out of space: need %d + %d headroom, have %d", len(data), headroomBytes, avail)
	}

	offset := s.size
	preLen := s.size

	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("blockstore: seek: %w", err)
	}

	w := bufio.NewWriter(s.f)
	cs := checksum(data)
	ok := true
	if err := binary.Write(w, binary.LittleEndian, int32(len(data))); err != nil {
		ok = false
	}
	if ok {
		if err := binary.Write(w, binary.LittleEndian, cs); err != nil {
			ok = false
		}
	}
	if ok {
		if _, err := w.Write(data); err != nil {
			ok = false
		}
	}
	if ok {
		if err := w.Flush(); err != nil {
			ok = false
		}
	}
	if ok {
		if err := s.f.Sync(); err != nil {
			ok = false
		}
	}
	if !ok {
		if truncErr := s.f.Truncate(preLen); truncErr != nil {
			s.log.Error().Err(truncErr).Msg("blockstore: rollback truncate failed after write error")
		}
		return 0, fmt.Errorf("blockstore: write failed, rolled back to length %d", preLen)
	}

	s.size = offset + 8 + int64(len(data))
	return offset, nil
}

// Get reads back the block at offset, validating its checksum.
func (s *Store) Get(offset int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blockstore: seek: %w", err)
	}
	r := bufio.NewReader(s.f)

	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("blockstore: read length at %d: %w", offset, err)
	}
	if length < 0 || int(length) > MaxBlockLen {
		return nil, fmt.Errorf("blockstore: corrupt block at %d: length %d out of range", offset, length)
	}
	var storedChecksum int32
	if err := binary.Read(r, binary.LittleEndian, &storedChecksum); err != nil {
		return nil, fmt.Errorf("blockstore: read checksum at %d: %w", offset, err)
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("blockstore: read payload at %d: %w", offset, err)
		}
	}
	if cs := checksum(data); cs != storedChecksum {
		return nil, fmt.Errorf("blockstore: checksum mismatch at %d: got %d want %d", offset, cs, storedChecksum)
	}
	return data, nil
}

// Clear truncates the block file back to zero length.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Truncate(0); err != nil {
		return fmt.Errorf("blockstore: clear: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("blockstore: seek after clear: %w", err)
	}
	s.size = 0
	return nil
}

// Stat reports the current file length. A block count is not cached (blocks
// are variable length), so Stats.BlockCount is always left at zero.
func (s *Store) Stat() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{FileSize: s.size}
}

// Scan walks every block from the start of the file, invoking fn with each
// block's offset and payload, stopping at the first error fn returns.
func (s *Store) Scan(fn func(offset int64, data []byte) error) error {
	s.mu.RLock()
	size := s.size
	s.mu.RUnlock()

	var offset int64
	for offset < size {
		data, err := s.Get(offset)
		if err != nil {
			return err
		}
		if err := fn(offset, data); err != nil {
			return err
		}
		offset += 8 + int64(len(data))
	}
	return nil
}

// Path returns the underlying file path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
