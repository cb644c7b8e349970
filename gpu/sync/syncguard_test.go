package syncguard_test

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	syncguard "github.com/tsawler/dayson/gpu/sync"
)

func newGuard() *syncguard.Guard {
	return syncguard.New(zerolog.New(io.Discard))
}

func TestSynchronizeBeforeReadWaitsForPriorCommands(t *testing.T) {
	g := newGuard()
	defer g.Close()

	var counter int64
	for i := 0; i < 10; i++ {
		g.Submit(func() { atomic.AddInt64(&counter, 1) })
	}

	if err := g.SynchronizeBeforeRead("test"); err != nil {
		t.Fatalf("SynchronizeBeforeRead: %v", err)
	}

	if got := atomic.LoadInt64(&counter); got != 10 {
		t.Fatalf("counter = %d, want 10 (all prior commands should have completed)", got)
	}
}

func TestInsertMarkerThenWaitEventSucceeds(t *testing.T) {
	g := newGuard()
	defer g.Close()

	evt := g.InsertMarker("marker")
	if !g.WaitEvent(evt, "marker") {
		t.Fatalf("WaitEvent returned false for a marker that should complete quickly")
	}
}

func TestSynchronizeBeforeDisposeDoesNotPanicOnNormalQueue(t *testing.T) {
	g := newGuard()
	defer g.Close()
	g.Submit(func() {})
	g.SynchronizeBeforeDispose("dispose", 1024)
}
