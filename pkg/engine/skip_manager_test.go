package engine

import (
	"testing"

	"github.com/diaflow/diaflow/pkg/condition"
	"github.com/diaflow/diaflow/pkg/graph"
	"github.com/diaflow/diaflow/pkg/models"
)

func buildTestGraph(t *testing.T, d *models.Diagram) *graph.Graph {
	t.Helper()
	g, err := graph.Build(d)
	if err != nil {
		t.Fatalf("graph build: %v", err)
	}
	return g
}

func newSkipFixture(t *testing.T, d *models.Diagram) (*SkipManager, *skipContext, *LoopController) {
	t.Helper()

	loops := NewLoopController(100)
	sm := NewSkipManager(condition.NewEvaluator(), loops)

	sctx := &skipContext{
		graph:             buildTestGraph(t, d),
		statuses:          map[models.NodeID]models.NodeStatus{},
		outputs:           map[models.NodeID]*models.NodeOutput{},
		variables:         map[string]any{},
		firstOnlyConsumed: map[models.NodeID]bool{},
	}

	return sm, sctx, loops
}

func twoNodeDiagram(secondType models.NodeType, secondData map[string]any) *models.Diagram {
	return &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "N", Type: secondType, Data: secondData},
		},
		Arrows: []*models.Arrow{
			{ID: "e1", Source: models.HandleRef{NodeID: "start", Handle: "default"}, Target: models.HandleRef{NodeID: "N", Handle: "default"}},
		},
	}
}

func TestSkipManager_MaxIterations(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram(models.NodeTypePersonJob, map[string]any{"max_iterations": 1})
	sm, sctx, loops := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusCompleted

	node, _ := d.GetNode("N")
	loops.Register("N", 1)

	if skip, _ := sm.ShouldSkip(node, sctx); skip {
		t.Fatal("fresh loop node should run")
	}

	loops.Increment("N")
	skip, reason := sm.ShouldSkip(node, sctx)
	if !skip || reason != models.SkipReasonMaxIterations {
		t.Fatalf("expected max_iterations_reached, got (%v, %s)", skip, reason)
	}
}

func TestSkipManager_ConditionNotMet(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram(models.NodeTypeCondition, map[string]any{"expression": "count > 3"})
	sm, sctx, _ := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusCompleted
	sctx.variables["count"] = 2

	node, _ := d.GetNode("N")

	skip, reason := sm.ShouldSkip(node, sctx)
	if !skip || reason != models.SkipReasonConditionNotMet {
		t.Fatalf("expected condition_not_met, got (%v, %s)", skip, reason)
	}

	sctx.variables["count"] = 5
	if skip, _ := sm.ShouldSkip(node, sctx); skip {
		t.Fatal("true condition should not skip")
	}
}

func TestSkipManager_SkipIf(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram("work", map[string]any{"skip_if": "{{mode}} == \"dry\""})
	sm, sctx, _ := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusCompleted
	sctx.variables["mode"] = "dry"

	node, _ := d.GetNode("N")

	skip, reason := sm.ShouldSkip(node, sctx)
	if !skip || reason != models.SkipReasonConditionNotMet {
		t.Fatalf("expected condition_not_met via skip_if, got (%v, %s)", skip, reason)
	}
}

func TestSkipManager_DependencySkipped(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram("work", nil)
	sm, sctx, _ := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusSkipped

	node, _ := d.GetNode("N")

	skip, reason := sm.ShouldSkip(node, sctx)
	if !skip || reason != models.SkipReasonDependencySkipped {
		t.Fatalf("expected dependency_skipped, got (%v, %s)", skip, reason)
	}
}

func TestSkipManager_DependencyFailed(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram("work", nil)
	sm, sctx, _ := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusFailed

	node, _ := d.GetNode("N")

	skip, reason := sm.ShouldSkip(node, sctx)
	if !skip || reason != models.SkipReasonDependencyFailed {
		t.Fatalf("expected dependency_failed, got (%v, %s)", skip, reason)
	}
}

func TestSkipManager_OptionalDependencyNeverForcesSkip(t *testing.T) {
	t.Parallel()

	d := &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "side", Type: "work"},
			{ID: "P", Type: models.NodeTypePersonJob, Data: map[string]any{
				"first_only_inputs": []any{"seed"},
				"default_prompt":    "go",
			}},
		},
		Arrows: []*models.Arrow{
			{ID: "e1", Source: models.HandleRef{NodeID: "start", Handle: "default"}, Target: models.HandleRef{NodeID: "P", Handle: "default"}},
			{ID: "e2", Source: models.HandleRef{NodeID: "side", Handle: "default"}, Target: models.HandleRef{NodeID: "P", Handle: "default"}, Label: "seed"},
		},
	}

	sm, sctx, _ := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusCompleted
	sctx.statuses["side"] = models.NodeStatusSkipped

	node, _ := d.GetNode("P")

	if skip, reason := sm.ShouldSkip(node, sctx); skip {
		t.Fatalf("optional (first-only) dependency must not force skip, got %s", reason)
	}
}

func TestSkipManager_FirstOnlyConsumed(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram(models.NodeTypePersonJob, map[string]any{
		"first_only_prompt": "seed the discussion",
	})
	sm, sctx, _ := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusCompleted
	sctx.firstOnlyConsumed["N"] = true

	node, _ := d.GetNode("N")

	skip, reason := sm.ShouldSkip(node, sctx)
	if !skip || reason != models.SkipReasonFirstOnlyConsumed {
		t.Fatalf("expected first_only_consumed, got (%v, %s)", skip, reason)
	}
}

func TestSkipManager_FirstOnlyWithDefaultRuns(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram(models.NodeTypePersonJob, map[string]any{
		"first_only_prompt": "seed",
		"default_prompt":    "continue",
	})
	sm, sctx, _ := newSkipFixture(t, d)
	sctx.statuses["start"] = models.NodeStatusCompleted
	sctx.firstOnlyConsumed["N"] = true

	node, _ := d.GetNode("N")

	if skip, _ := sm.ShouldSkip(node, sctx); skip {
		t.Fatal("a default prompt keeps the node runnable")
	}
}

func TestSkipManager_RecordsReasons(t *testing.T) {
	t.Parallel()

	d := twoNodeDiagram("work", nil)
	sm, _, _ := newSkipFixture(t, d)

	sm.MarkSkipped("N", models.SkipReasonUserRequested)

	if !sm.IsSkipped("N") {
		t.Fatal("N should be marked skipped")
	}
	if sm.Reason("N") != models.SkipReasonUserRequested {
		t.Fatalf("unexpected reason: %s", sm.Reason("N"))
	}

	all := sm.All()
	if len(all) != 1 || all["N"] != models.SkipReasonUserRequested {
		t.Fatalf("unexpected reasons map: %v", all)
	}

	sm.Unmark("N")
	if sm.IsSkipped("N") {
		t.Fatal("unmark should clear the record")
	}
}
