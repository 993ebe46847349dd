package engine

import (
	"sync"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// maxSnapshotResults bounds how many recent step results reach the
// planning capability each iteration.
const maxSnapshotResults = 5

// ExecutionContext is the evolving state of one running task. The
// iteration counter is monotonic and bounded; page state is refreshed by
// the orchestrator between steps.
type ExecutionContext struct {
	mu sync.Mutex

	goal          string
	userID        string
	maxIterations int

	iteration   int
	results     []schemas.StepResult
	userContext map[string]string
	currentURL  string
	pageText    string
	lastFrame   []byte
	pageStalled bool
}

// NewExecutionContext starts a context at iteration zero.
func NewExecutionContext(goal, userID string, maxIterations int, userContext map[string]string) *ExecutionContext {
	return &ExecutionContext{
		goal:          goal,
		userID:        userID,
		maxIterations: maxIterations,
		userContext:   userContext,
	}
}

// NextIteration advances the counter. It returns the new iteration
// number and false once the bound is exhausted; the counter never moves
// backward.
func (ec *ExecutionContext) NextIteration() (int, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.iteration >= ec.maxIterations {
		return ec.iteration, false
	}
	ec.iteration++
	return ec.iteration, true
}

// Goal returns the task objective.
func (ec *ExecutionContext) Goal() string { return ec.goal }

// UserContext returns the preferences loaded at task start.
func (ec *ExecutionContext) UserContext() map[string]string { return ec.userContext }

// Iteration returns the current iteration number.
func (ec *ExecutionContext) Iteration() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.iteration
}

// AddResult appends a finished step result.
func (ec *ExecutionContext) AddResult(r schemas.StepResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results = append(ec.results, r)
}

// Results returns a copy of all step results so far.
func (ec *ExecutionContext) Results() []schemas.StepResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]schemas.StepResult, len(ec.results))
	copy(out, ec.results)
	return out
}

// UpdatePage refreshes the page state carried into the next snapshot.
func (ec *ExecutionContext) UpdatePage(url, text string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.currentURL = url
	ec.pageText = text
}

// LastFrame returns the raw screenshot observed at the previous
// iteration, or nil before the first observation.
func (ec *ExecutionContext) LastFrame() []byte {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.lastFrame
}

// ObserveFrame records the latest raw screenshot and whether the page
// stalled (no visible change since the previous frame).
func (ec *ExecutionContext) ObserveFrame(png []byte, stalled bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.lastFrame = png
	ec.pageStalled = stalled
}

// Snapshot produces the read-only view handed to the planning
// capability: current page state plus the tail of the result log.
func (ec *ExecutionContext) Snapshot() schemas.ContextSnapshot {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	tail := ec.results
	if len(tail) > maxSnapshotResults {
		tail = tail[len(tail)-maxSnapshotResults:]
	}
	last := make([]schemas.StepResult, len(tail))
	copy(last, tail)

	return schemas.ContextSnapshot{
		Goal:        ec.goal,
		CurrentURL:  ec.currentURL,
		Iteration:   ec.iteration,
		PageText:    ec.pageText,
		PageStalled: ec.pageStalled,
		LastResults: last,
		UserContext: ec.userContext,
	}
}
