package engine

import (
	"testing"

	"github.com/diaflow/diaflow/pkg/models"
)

func TestLoopController_ShouldContinue(t *testing.T) {
	t.Parallel()

	lc := NewLoopController(100)
	lc.Register("a", 3)

	if !lc.ShouldContinue("a") {
		t.Fatal("fresh loop node should continue")
	}

	for i := 0; i < 3; i++ {
		lc.Increment("a")
	}

	if lc.ShouldContinue("a") {
		t.Fatal("node at max should not continue")
	}
}

func TestLoopController_UnregisteredNeverContinues(t *testing.T) {
	t.Parallel()

	lc := NewLoopController(100)
	if lc.ShouldContinue("ghost") {
		t.Fatal("unregistered node must not loop")
	}
}

func TestLoopController_GlobalCeiling(t *testing.T) {
	t.Parallel()

	lc := NewLoopController(2)
	lc.Register("a", 0)

	lc.Increment("a")
	if !lc.ShouldContinue("a") {
		t.Fatal("below global ceiling should continue")
	}

	lc.Increment("a")
	if lc.ShouldContinue("a") {
		t.Fatal("at global ceiling should stop")
	}
}

func TestLoopController_MarkComplete(t *testing.T) {
	t.Parallel()

	lc := NewLoopController(100)
	lc.Register("a", 2)

	cont, count := lc.MarkComplete("a")
	if !cont || count != 1 {
		t.Fatalf("expected (true, 1), got (%v, %d)", cont, count)
	}

	cont, count = lc.MarkComplete("a")
	if cont || count != 2 {
		t.Fatalf("expected (false, 2), got (%v, %d)", cont, count)
	}
}

func TestLoopController_AllLoopsAtMax(t *testing.T) {
	t.Parallel()

	lc := NewLoopController(100)

	if lc.AllLoopsAtMax() {
		t.Fatal("no registered loops must report false")
	}

	lc.Register("a", 1)
	lc.Register("b", 2)

	lc.Increment("a")
	if lc.AllLoopsAtMax() {
		t.Fatal("b still has iterations left")
	}
	if !lc.AnyLoopAtMax() {
		t.Fatal("a is at max")
	}

	lc.Increment("b")
	lc.Increment("b")
	if !lc.AllLoopsAtMax() {
		t.Fatal("both nodes at max")
	}
}

func TestLoopController_Stats(t *testing.T) {
	t.Parallel()

	lc := NewLoopController(50)
	lc.Register("a", 2)
	lc.Register("b", 0)
	lc.Increment("a")
	lc.Increment("a")

	stats := lc.Stats()
	if stats.Counts["a"] != 2 {
		t.Fatalf("expected count 2, got %d", stats.Counts["a"])
	}
	if stats.EffectiveMax["b"] != 50 {
		t.Fatalf("expected global ceiling 50, got %d", stats.EffectiveMax["b"])
	}
	if _, ok := stats.NodesAtMax[models.NodeID("a")]; !ok {
		t.Fatal("a should be at max")
	}
	if stats.AllNodesAtMax {
		t.Fatal("b is not at max")
	}
}

func TestLoopController_RemainingAndReset(t *testing.T) {
	t.Parallel()

	lc := NewLoopController(100)
	lc.Register("a", 5)
	lc.Increment("a")
	lc.Increment("a")

	if remaining := lc.RemainingIterations("a"); remaining != 3 {
		t.Fatalf("expected 3 remaining, got %d", remaining)
	}

	lc.Reset("a")
	if lc.IterationCount("a") != 0 {
		t.Fatal("reset should zero the counter")
	}
}
