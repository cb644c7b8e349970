// Package syncguard owns the device command queue's ordering barrier
// primitives (spec §4.4): synchronize, wait_event, insert_marker. It is the
// only place finish/flush is issued, generalized from the teacher's
// gpu/matrix/command-queue-pool.go (a pool of Metal command queues) down to
// the ordering discipline of a single queue, since spec §5 mandates exactly
// one queue for the whole core.
package syncguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WaitTimeout is the deadline spec §4.4 assigns to wait_event.
const WaitTimeout = 30 * time.Second

// slowThreshold marks an event as slow for logging purposes (spec §4.4).
const slowThreshold = 1 * time.Second

// Marker is an opaque completion event returned by InsertMarker.
type Marker struct {
	seq  uint64
	done <-chan struct{}
}

// Guard serializes a command queue's completion bookkeeping. Commands are
// modeled as closures submitted via Submit; because Go closures already run
// in submission order on a single queue goroutine, "queue ordering" falls
// out of the implementation rather than needing a separate scheduler.
type Guard struct {
	mu      sync.Mutex
	queue   chan func()
	seq     uint64
	lastSeq uint64
	log     zerolog.Logger
	closed  bool
}

// New starts the single command queue's worker goroutine.
func New(log zerolog.Logger) *Guard {
	g := &Guard{queue: make(chan func(), 256), log: log}
	go g.run()
	return g
}

func (g *Guard) run() {
	for fn := range g.queue {
		fn()
	}
}

// Submit enqueues a command. Submission is non-blocking at the API level
// (spec §5) unless the internal queue is saturated, matching the teacher's
// async-dispatch model.
func (g *Guard) Submit(fn func()) uint64 {
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	g.queue <- func() {
		fn()
		g.mu.Lock()
		if seq > g.lastSeq {
			g.lastSeq = seq
		}
		g.mu.Unlock()
	}
	return seq
}

// InsertMarker enqueues a marker command and returns an event whose
// completion implies every prior command has completed.
func (g *Guard) InsertMarker(label string) *Marker {
	done := make(chan struct{})
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	g.queue <- func() {
		close(done)
		g.mu.Lock()
		if seq > g.lastSeq {
			g.lastSeq = seq
		}
		g.mu.Unlock()
	}
	return &Marker{seq: seq, done: done}
}

// WaitEvent blocks on evt up to WaitTimeout, logging and returning false on
// timeout rather than panicking (spec §4.4, §7: timeouts are fatal for the
// current step, but WaitEvent itself just reports failure).
func (g *Guard) WaitEvent(evt *Marker, label string) bool {
	start := time.Now()
	select {
	case <-evt.done:
		if d := time.Since(start); d > slowThreshold {
			g.log.Warn().Str("label", label).Dur("elapsed", d).Msg("syncguard: slow event")
		}
		return true
	case <-time.After(WaitTimeout):
		g.log.Error().Str("label", label).Dur("timeout", WaitTimeout).Msg("syncguard: wait_event timed out")
		return false
	}
}

// SynchronizeBeforeRead blocks until every command submitted so far has
// completed. Must be called before any host read of a device buffer
// (spec §4.4, §5).
func (g *Guard) SynchronizeBeforeRead(label string) error {
	start := time.Now()
	evt := g.InsertMarker(label)
	if !g.WaitEvent(evt, label) {
		return fmt.Errorf("syncguard: synchronize_before_read(%s) timed out after %s", label, WaitTimeout)
	}
	if d := time.Since(start); d > slowThreshold {
		g.log.Warn().Str("label", label).Dur("elapsed", d).Msg("syncguard: slow synchronize")
	}
	return nil
}

// SynchronizeBeforeDispose is the same barrier as SynchronizeBeforeRead, but
// failure is logged rather than returned as fatal — dispose must make
// progress (spec §4.4).
func (g *Guard) SynchronizeBeforeDispose(label string, size int64) {
	evt := g.InsertMarker(label)
	if !g.WaitEvent(evt, label) {
		g.log.Error().Str("label", label).Int64("size", size).Msg("syncguard: synchronize_before_dispose timed out, disposing anyway")
	}
}

// Close stops the queue's worker goroutine. Safe to call once.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	close(g.queue)
}
