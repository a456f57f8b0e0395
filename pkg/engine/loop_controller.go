package engine

import (
	"sync"

	"github.com/diaflow/diaflow/pkg/models"
)

// LoopController tracks per-node iteration counts for one execution and
// decides when loops terminate. Counters live only for the execution's
// duration.
type LoopController struct {
	mu            sync.Mutex
	counts        map[models.NodeID]int
	maxOverrides  map[models.NodeID]int
	loopNodes     map[models.NodeID]struct{}
	globalMax     int
}

// NewLoopController creates a controller with the given global iteration
// ceiling.
func NewLoopController(globalMax int) *LoopController {
	if globalMax <= 0 {
		globalMax = DefaultGlobalIterations
	}

	return &LoopController{
		counts:       make(map[models.NodeID]int),
		maxOverrides: make(map[models.NodeID]int),
		loopNodes:    make(map[models.NodeID]struct{}),
		globalMax:    globalMax,
	}
}

// Register registers a node as a loop node. A positive maxIterations
// overrides the global ceiling for that node.
func (lc *LoopController) Register(nodeID models.NodeID, maxIterations int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.loopNodes[nodeID] = struct{}{}
	if maxIterations > 0 {
		lc.maxOverrides[nodeID] = maxIterations
	}
	if _, ok := lc.counts[nodeID]; !ok {
		lc.counts[nodeID] = 0
	}
}

// IsLoopNode reports whether the node was registered.
func (lc *LoopController) IsLoopNode(nodeID models.NodeID) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	_, ok := lc.loopNodes[nodeID]
	return ok
}

func (lc *LoopController) effectiveMax(nodeID models.NodeID) int {
	if max, ok := lc.maxOverrides[nodeID]; ok {
		return max
	}
	return lc.globalMax
}

// ShouldContinue reports whether a registered loop node may run again.
// Unregistered nodes never loop.
func (lc *LoopController) ShouldContinue(nodeID models.NodeID) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, ok := lc.loopNodes[nodeID]; !ok {
		return false
	}

	return lc.counts[nodeID] < lc.effectiveMax(nodeID)
}

// Increment bumps the iteration count and returns the new value.
func (lc *LoopController) Increment(nodeID models.NodeID) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.counts[nodeID]++
	return lc.counts[nodeID]
}

// MarkComplete records a finished iteration atomically: it increments the
// counter and reports whether another iteration is allowed.
func (lc *LoopController) MarkComplete(nodeID models.NodeID) (bool, int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.counts[nodeID]++
	newCount := lc.counts[nodeID]

	if _, ok := lc.loopNodes[nodeID]; !ok {
		return false, newCount
	}

	return newCount < lc.effectiveMax(nodeID), newCount
}

// IterationCount returns the current count for a node (0 if never run).
func (lc *LoopController) IterationCount(nodeID models.NodeID) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.counts[nodeID]
}

// RemainingIterations returns how many more iterations a node may run.
func (lc *LoopController) RemainingIterations(nodeID models.NodeID) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	remaining := lc.effectiveMax(nodeID) - lc.counts[nodeID]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset zeroes the counter for a node.
func (lc *LoopController) Reset(nodeID models.NodeID) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.counts[nodeID] = 0
}

// AnyLoopAtMax reports whether any registered node reached its limit.
func (lc *LoopController) AnyLoopAtMax() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for nodeID := range lc.loopNodes {
		if lc.counts[nodeID] >= lc.effectiveMax(nodeID) {
			return true
		}
	}
	return false
}

// AllLoopsAtMax reports whether every registered node reached its limit.
// Condition nodes use this to detect global loop termination; with no
// registered loop nodes it is false.
func (lc *LoopController) AllLoopsAtMax() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if len(lc.loopNodes) == 0 {
		return false
	}

	for nodeID := range lc.loopNodes {
		if lc.counts[nodeID] < lc.effectiveMax(nodeID) {
			return false
		}
	}
	return true
}

// IterationStats is a snapshot of loop bookkeeping.
type IterationStats struct {
	Counts        map[models.NodeID]int
	EffectiveMax  map[models.NodeID]int
	NodesAtMax    map[models.NodeID]struct{}
	AllNodesAtMax bool
}

// Stats returns a snapshot of all loop counters.
func (lc *LoopController) Stats() IterationStats {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	stats := IterationStats{
		Counts:       make(map[models.NodeID]int, len(lc.loopNodes)),
		EffectiveMax: make(map[models.NodeID]int, len(lc.loopNodes)),
		NodesAtMax:   make(map[models.NodeID]struct{}),
	}

	for nodeID := range lc.loopNodes {
		count := lc.counts[nodeID]
		max := lc.effectiveMax(nodeID)
		stats.Counts[nodeID] = count
		stats.EffectiveMax[nodeID] = max
		if count >= max {
			stats.NodesAtMax[nodeID] = struct{}{}
		}
	}

	stats.AllNodesAtMax = len(lc.loopNodes) > 0 && len(stats.NodesAtMax) == len(lc.loopNodes)
	return stats
}
