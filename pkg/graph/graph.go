// Package graph builds the validated, indexed execution graph from a
// normalized diagram and exposes read-only access plus a precomputed
// topological order.
package graph

import (
	"fmt"
	"sort"

	"github.com/diaflow/diaflow/pkg/models"
)

// Graph is the immutable, validated view of a diagram used by the engine.
// Back-edges are kept separately; the forward arrows always form a DAG.
type Graph struct {
	diagram *models.Diagram

	nodesByID      map[models.NodeID]*models.Node
	arrowsByTarget map[models.NodeID][]*models.Arrow
	arrowsBySource map[models.NodeID][]*models.Arrow
	backEdges      []*models.Arrow
	start          *models.Node

	levels [][]models.NodeID
}

// Build normalizes and validates a diagram. On failure it returns
// models.ValidationErrors listing every violation; a partial graph is
// never exposed.
func Build(d *models.Diagram) (*Graph, error) {
	var errs models.ValidationErrors

	if d == nil || len(d.Nodes) == 0 {
		errs = append(errs, &models.ValidationError{Field: "nodes", Message: "at least one node is required"})
		return nil, errs
	}

	g := &Graph{
		diagram:        d,
		nodesByID:      make(map[models.NodeID]*models.Node, len(d.Nodes)),
		arrowsByTarget: make(map[models.NodeID][]*models.Arrow),
		arrowsBySource: make(map[models.NodeID][]*models.Arrow),
	}

	for _, node := range d.Nodes {
		if err := node.Validate(); err != nil {
			errs = append(errs, asValidationError(err))
			continue
		}

		if _, dup := g.nodesByID[node.ID]; dup {
			errs = append(errs, &models.ValidationError{
				Field:   "nodes",
				Message: fmt.Sprintf("duplicate node ID: %s", node.ID),
			})
			continue
		}
		g.nodesByID[node.ID] = node

		if node.Type == models.NodeTypeStart {
			if g.start != nil {
				errs = append(errs, &models.ValidationError{
					Field:   "nodes",
					Message: "diagram must contain exactly one start node",
				})
			} else {
				g.start = node
			}
		}
	}

	if g.start == nil {
		errs = append(errs, &models.ValidationError{
			Field:   "nodes",
			Message: "diagram must contain exactly one start node",
		})
	}

	declared := declaredHandles(d)

	for _, arrow := range d.Arrows {
		if err := arrow.Validate(); err != nil {
			errs = append(errs, asValidationError(err))
			continue
		}

		if arrowErrs := g.checkEndpoints(arrow, declared); len(arrowErrs) > 0 {
			errs = append(errs, arrowErrs...)
			continue
		}

		if arrow.Back {
			target := g.nodesByID[arrow.Target.NodeID]
			if !target.IsIterative() {
				errs = append(errs, &models.ValidationError{
					Field:   "arrows",
					Message: fmt.Sprintf("back-edge %s targets non-iterative node %s", arrow.ID, target.ID),
				})
				continue
			}
			g.backEdges = append(g.backEdges, arrow)
			continue
		}

		g.arrowsByTarget[arrow.Target.NodeID] = append(g.arrowsByTarget[arrow.Target.NodeID], arrow)
		g.arrowsBySource[arrow.Source.NodeID] = append(g.arrowsBySource[arrow.Source.NodeID], arrow)
	}

	for _, node := range d.Nodes {
		if errs2 := checkPersonRef(d, node); len(errs2) > 0 {
			errs = append(errs, errs2...)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	levels, err := levelize(g)
	if err != nil {
		errs = append(errs, &models.ValidationError{Field: "arrows", Message: err.Error()})
		return nil, errs
	}
	g.levels = levels

	return g, nil
}

// checkEndpoints verifies that both arrow endpoints resolve to an existing
// node and, when the diagram declares handles, a declared handle.
func (g *Graph) checkEndpoints(arrow *models.Arrow, declared map[models.NodeID]map[string]models.HandleDirection) models.ValidationErrors {
	var errs models.ValidationErrors

	if _, ok := g.nodesByID[arrow.Source.NodeID]; !ok {
		errs = append(errs, &models.ValidationError{
			Field:   "arrows",
			Message: fmt.Sprintf("arrow %s references non-existent source node: %s", arrow.ID, arrow.Source.NodeID),
		})
	} else if err := checkHandle(declared, arrow.Source, models.HandleDirectionOutput, arrow.ID); err != nil {
		errs = append(errs, err)
	}

	if _, ok := g.nodesByID[arrow.Target.NodeID]; !ok {
		errs = append(errs, &models.ValidationError{
			Field:   "arrows",
			Message: fmt.Sprintf("arrow %s references non-existent target node: %s", arrow.ID, arrow.Target.NodeID),
		})
	} else if err := checkHandle(declared, arrow.Target, models.HandleDirectionInput, arrow.ID); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func declaredHandles(d *models.Diagram) map[models.NodeID]map[string]models.HandleDirection {
	if len(d.Handles) == 0 {
		return nil
	}

	declared := make(map[models.NodeID]map[string]models.HandleDirection)
	for _, h := range d.Handles {
		if declared[h.NodeID] == nil {
			declared[h.NodeID] = make(map[string]models.HandleDirection)
		}
		declared[h.NodeID][h.Name] = h.Direction
	}
	return declared
}

// checkHandle validates a handle reference against declared handles.
// Diagrams without handle declarations accept any handle name.
func checkHandle(declared map[models.NodeID]map[string]models.HandleDirection, ref models.HandleRef, want models.HandleDirection, arrowID models.ArrowID) *models.ValidationError {
	if declared == nil {
		return nil
	}

	handles, ok := declared[ref.NodeID]
	if !ok {
		return nil
	}

	dir, ok := handles[ref.Handle]
	if !ok {
		return &models.ValidationError{
			Field:   "arrows",
			Message: fmt.Sprintf("arrow %s references undeclared handle %s", arrowID, ref),
		}
	}

	if dir != want {
		return &models.ValidationError{
			Field:   "arrows",
			Message: fmt.Sprintf("arrow %s uses %s handle %s as %s", arrowID, dir, ref, want),
		}
	}

	return nil
}

func checkPersonRef(d *models.Diagram, node *models.Node) models.ValidationErrors {
	if node.Type != models.NodeTypePersonJob && node.Type != models.NodeTypePersonBatch {
		return nil
	}

	personRef := node.DataString("person")
	if personRef == "" {
		return nil
	}

	if _, err := d.GetPerson(models.PersonID(personRef)); err != nil {
		return models.ValidationErrors{{
			Field:   "persons",
			Message: fmt.Sprintf("node %s references unknown person: %s", node.ID, personRef),
		}}
	}

	return nil
}

func asValidationError(err error) *models.ValidationError {
	if ve, ok := err.(*models.ValidationError); ok {
		return ve
	}
	return &models.ValidationError{Field: "diagram", Message: err.Error()}
}

// Diagram returns the underlying diagram.
func (g *Graph) Diagram() *models.Diagram {
	return g.diagram
}

// Node returns a node by ID, or nil when absent.
func (g *Graph) Node(id models.NodeID) *models.Node {
	return g.nodesByID[id]
}

// Nodes returns every node in the graph.
func (g *Graph) Nodes() []*models.Node {
	return g.diagram.Nodes
}

// StartNode returns the diagram's unique start node.
func (g *Graph) StartNode() *models.Node {
	return g.start
}

// Incoming returns the forward arrows targeting a node. Back-edges are
// excluded; use BackEdges or BackEdgesFrom for those.
func (g *Graph) Incoming(id models.NodeID) []*models.Arrow {
	return g.arrowsByTarget[id]
}

// Outgoing returns the forward arrows leaving a node.
func (g *Graph) Outgoing(id models.NodeID) []*models.Arrow {
	return g.arrowsBySource[id]
}

// BackEdges returns every back-edge in the graph.
func (g *Graph) BackEdges() []*models.Arrow {
	return g.backEdges
}

// BackEdgesFrom returns back-edges whose source is the given node.
func (g *Graph) BackEdgesFrom(id models.NodeID) []*models.Arrow {
	var out []*models.Arrow
	for _, a := range g.backEdges {
		if a.Source.NodeID == id {
			out = append(out, a)
		}
	}
	return out
}

// IsIterative reports whether a node is registered as iterative.
func (g *Graph) IsIterative(id models.NodeID) bool {
	node := g.nodesByID[id]
	return node != nil && node.IsIterative()
}

// TopologicalOrder returns dependency-ordered levels. Each inner slice
// holds nodes with no mutual dependencies, sorted lexicographically for
// deterministic iteration.
func (g *Graph) TopologicalOrder() [][]models.NodeID {
	return g.levels
}

// levelize runs Kahn's algorithm over the forward arrows, producing
// execution levels. A non-empty remainder means a cycle that is not
// covered by a back-edge.
func levelize(g *Graph) ([][]models.NodeID, error) {
	inDegree := make(map[models.NodeID]int, len(g.nodesByID))
	for id := range g.nodesByID {
		inDegree[id] = len(g.arrowsByTarget[id])
	}

	var levels [][]models.NodeID
	processed := 0

	for processed < len(g.nodesByID) {
		var level []models.NodeID
		for id, degree := range inDegree {
			if degree == 0 {
				level = append(level, id)
			}
		}

		if len(level) == 0 {
			return nil, fmt.Errorf("%w: cycle not covered by a back-edge", models.ErrCyclicDependency)
		}

		sort.Slice(level, func(i, j int) bool { return level[i] < level[j] })

		for _, id := range level {
			delete(inDegree, id)
			processed++

			for _, arrow := range g.arrowsBySource[id] {
				inDegree[arrow.Target.NodeID]--
			}
		}

		levels = append(levels, level)
	}

	return levels, nil
}
