package dedup

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestDedup(clock clockwork.Clock) *Deduplicator {
	return New(Config{}, clock, slog.Default())
}

// TestShouldProcessOncePerWindow verifies the same message id passes exactly
// once inside the TTL window and again after it elapses.
func TestShouldProcessOncePerWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDedup(clock)

	if !d.ShouldProcess("M1") {
		t.Fatalf("first delivery rejected")
	}
	if d.ShouldProcess("M1") {
		t.Errorf("re-delivery accepted inside window")
	}

	clock.Advance(31 * time.Second)
	if !d.ShouldProcess("M1") {
		t.Errorf("delivery rejected after window elapsed")
	}
}

// TestShouldProcessConcurrent verifies exactly one of N concurrent deliveries
// of the same id wins the mark.
func TestShouldProcessConcurrent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDedup(clock)

	const n = 64
	var wg sync.WaitGroup
	var wins atomic.Int32
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if d.ShouldProcess("same-id") {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("concurrent wins = %d, want 1", got)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDedup(clock)

	if !d.ShouldProcess("X") {
		t.Fatalf("message scope rejected fresh key")
	}
	// Same literal key in a different scope is unaffected.
	if !d.MarkCommand("X", "X", nil) {
		t.Errorf("command scope shared state with message scope")
	}
	if !d.MarkEmbed("X", "X") {
		t.Errorf("embed scope shared state with message scope")
	}
}

func TestMarkCommandWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDedup(clock)

	args := []string{"lilith", "https://avatar"}
	if !d.MarkCommand("U1", "add", args) {
		t.Fatalf("first command rejected")
	}
	if d.MarkCommand("U1", "add", args) {
		t.Errorf("double-tap accepted")
	}
	if !d.MarkCommand("U2", "add", args) {
		t.Errorf("different user blocked by another user's command")
	}
	if !d.MarkCommand("U1", "add", []string{"other"}) {
		t.Errorf("different args blocked")
	}

	clock.Advance(4 * time.Second)
	if !d.MarkCommand("U1", "add", args) {
		t.Errorf("command rejected after window elapsed")
	}
}

func TestCompletedAddLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDedup(clock)

	if d.AddCompleted("U1", "Lilith") {
		t.Fatalf("unseen add reported completed")
	}
	d.MarkAddCompleted("U1", "Lilith")
	if !d.AddCompleted("U1", "lilith") {
		t.Errorf("case-folded lookup missed completed add")
	}

	d.ClearAddCompleted("U1", "LILITH")
	if d.AddCompleted("U1", "Lilith") {
		t.Errorf("cleared add still reported completed")
	}

	d.MarkAddCompleted("U1", "Lilith")
	clock.Advance(31 * time.Minute)
	if d.AddCompleted("U1", "Lilith") {
		t.Errorf("expired add still reported completed")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDedup(clock)

	for _, id := range []string{"a", "b", "c"} {
		d.ShouldProcess(id)
	}
	if got := d.messages.len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}

	clock.Advance(time.Minute)
	if removed := d.messages.sweep(); removed != 3 {
		t.Errorf("sweep removed %d, want 3", removed)
	}
	if got := d.messages.len(); got != 0 {
		t.Errorf("len after sweep = %d, want 0", got)
	}
}
