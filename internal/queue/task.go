// Package queue implements the engine's ready queue: a thread-safe
// max-heap of runnable NodeTasks ordered by reentrant depth (spec §4.2),
// plus the NodeTask type that carries a weak reference to its owning
// GraphTask so a stray queue entry can never extend that GraphTask's
// lifetime past its owner's completion (spec §9).
//
// Built on the standard library's container/heap (with Less inverted for a
// max-heap) plus a sync.Cond-guarded blocking Pop; see DESIGN.md.
package queue

import "github.com/born-ml/backward/internal/graph"

// TaskOwner is the narrow view of a GraphTask a NodeTask needs: enough to
// compute priority and to bump the outstanding-task counter on push,
// without this package importing the gtask package that defines GraphTask
// (which itself needs ReadyQueue/NodeTask — see the internal/gtask package
// comment for the resulting import-direction rule).
type TaskOwner interface {
	// ReentrantDepth returns the GraphTask's reentrant_depth_, fixed for
	// its lifetime.
	ReentrantDepth() int

	// IncOutstanding increments outstanding_tasks_ by one.
	IncOutstanding()
}

// Resolver is a weak reference to a TaskOwner: calling it returns the
// strong TaskOwner and true if the underlying GraphTask is still alive, or
// (nil, false) if it has been garbage collected.
type Resolver func() (TaskOwner, bool)

// NodeTask is a unit of work on a ReadyQueue: either a real node
// invocation, or the shutdown sentinel that terminates the worker draining
// it.
type NodeTask struct {
	// Fn is the node to execute, or nil for the shutdown sentinel and for
	// no-op wake-up tasks. The
	// engine looks up fn's pending InputBuffer on the resolved GraphTask
	// rather than carrying the drained values on the task itself.
	Fn graph.Node

	// resolve is the weak reference to this task's owning GraphTask,
	// captured at construction time; internal/gtask builds it with
	// GraphTask.WeakRef.
	resolve  Resolver
	depth    int
	shutdown bool
}

// NewNodeTask builds a NodeTask for fn against the given owner. depth is
// cached at construction because a GraphTask's reentrant_depth_ never
// changes after creation (spec §3).
func NewNodeTask(fn graph.Node, owner TaskOwner, resolve Resolver) *NodeTask {
	return &NodeTask{Fn: fn, resolve: resolve, depth: owner.ReentrantDepth()}
}

// Shutdown returns the distinguished sentinel NodeTask that terminates
// whichever worker pops it. It compares strictly greater than any real
// task (spec §9).
func Shutdown() *NodeTask {
	return &NodeTask{shutdown: true}
}

// IsShutdown reports whether t is the shutdown sentinel.
func (t *NodeTask) IsShutdown() bool { return t.shutdown }

// Owner resolves t's weak GraphTask reference. ok is false if the
// GraphTask has already been garbage collected — the caller (thread_main)
// must log and skip in that case (spec §4.4 step 2, §7).
func (t *NodeTask) Owner() (owner TaskOwner, ok bool) {
	if t.resolve == nil {
		return nil, false
	}
	return t.resolve()
}

// priority returns a task's sort key for the max-heap: shutdown sentinels
// first, then by reentrant depth descending; an expired GraphTask sorts as
// if its depth were +∞ so the resulting error surfaces fast (spec §3).
func (t *NodeTask) priority() (isShutdown bool, depth int) {
	if t.shutdown {
		return true, 0
	}
	if t.resolve != nil {
		if _, ok := t.resolve(); !ok {
			return false, int(^uint(0) >> 1) // +∞ sentinel: math.MaxInt
		}
	}
	return false, t.depth
}
