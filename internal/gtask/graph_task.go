// Package gtask implements GraphTask, the per-execute-invocation state
// spec §3 and §4.3 describe: dependency counts, pending input buffers,
// exec-info pruning, captured outputs, and the completion future a caller
// blocks on.
//
// GraphTask holds every Node it reaches strongly (in its dependency, buffer
// and exec-info maps) and is itself held strongly by the goroutine that
// called Execute; NodeTasks on a ReadyQueue hold only a weak
// reference (via Go's stdlib weak package), so a stray queue entry can
// never keep a completed GraphTask alive past its owner's wait (spec §9).
// Because internal/queue defines NodeTask/ReadyQueue and this package needs
// both, while GraphTask itself must satisfy queue.TaskOwner, GraphTask
// implements the narrow queue.TaskOwner interface rather than queue
// importing this package — the import edge points gtask -> queue only.
package gtask

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"

	"github.com/born-ml/backward/internal/buffer"
	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/graph"
	"github.com/born-ml/backward/internal/queue"
	"github.com/born-ml/backward/internal/tensor"
)

// ErrGraphTaskExpired is logged (not returned to a caller) when a
// non-reentrant worker pops a NodeTask whose GraphTask has already been
// garbage collected (spec §7).
var ErrGraphTaskExpired = errors.New("gtask: graph task expired")

// Capture records that when node fires, its input at InputIdx should be
// copied into the caller's captured outputs at OutputIdx (spec §4.3).
type Capture struct {
	InputIdx  int
	OutputIdx int
}

// ExecInfo is the per-node entry of a GraphTask's needed-subgraph pass,
// populated only when the caller requested specific output edges.
type ExecInfo struct {
	Needed   bool
	Captures []Capture
}

// ShouldExecute reports whether n must run: either it's on the path to a
// needed node, or it directly captures a requested output.
func (e *ExecInfo) ShouldExecute() bool {
	return e.Needed || len(e.Captures) > 0
}

// GraphTask is the state of one Execute invocation.
type GraphTask struct {
	ID uuid.UUID

	outstandingTasks atomic.Int64
	hasError         atomic.Bool
	exitOnError      bool

	keepGraph   bool
	createGraph bool

	reentrantDepth int
	cpuReadyQueue  *queue.ReadyQueue

	owner atomic.Int64 // tensor.Device, stored as int64

	mu           sync.Mutex
	dependencies map[graph.Node]int
	notReady     map[graph.Node]*buffer.InputBuffer
	execInfo     map[graph.Node]*ExecInfo
	capturedVars []*tensor.RawTensor
	leafStreams  map[devrt.Stream]struct{}

	arith tensor.Arith

	once      sync.Once
	done      chan struct{}
	result    []*tensor.RawTensor
	resultErr error

	self weak.Pointer[GraphTask]
}

// New builds a GraphTask. reentrantDepth is 0 for a top-level invocation or
// parent.totalDepth+1 for a reentrant one (spec §4.6 step 5). cpuQueue is
// the CPU ReadyQueue this GraphTask's driver thread will read from.
func New(cpuQueue *queue.ReadyQueue, arith tensor.Arith, reentrantDepth int, keepGraph, createGraph, exitOnError bool) *GraphTask {
	t := &GraphTask{
		ID:             uuid.New(),
		keepGraph:      keepGraph,
		createGraph:    createGraph,
		exitOnError:    exitOnError,
		reentrantDepth: reentrantDepth,
		cpuReadyQueue:  cpuQueue,
		dependencies:   make(map[graph.Node]int),
		notReady:       make(map[graph.Node]*buffer.InputBuffer),
		execInfo:       make(map[graph.Node]*ExecInfo),
		leafStreams:    make(map[devrt.Stream]struct{}),
		arith:          arith,
		done:           make(chan struct{}),
	}
	t.owner.Store(int64(tensor.NoDevice))
	t.self = weak.Make(t)
	return t
}

// ReentrantDepth implements queue.TaskOwner.
func (t *GraphTask) ReentrantDepth() int { return t.reentrantDepth }

// IncOutstanding implements queue.TaskOwner.
func (t *GraphTask) IncOutstanding() { t.outstandingTasks.Add(1) }

// WeakRef returns a queue.Resolver that yields t back as a queue.TaskOwner
// for as long as t itself has not been garbage collected. NodeTasks store
// only this closure, never t directly.
func (t *GraphTask) WeakRef() queue.Resolver {
	wp := t.self
	return func() (queue.TaskOwner, bool) {
		gt := wp.Value()
		if gt == nil {
			return nil, false
		}
		return gt, true
	}
}

// CPUReadyQueue returns the CPU queue this GraphTask's driver reads from.
func (t *GraphTask) CPUReadyQueue() *queue.ReadyQueue { return t.cpuReadyQueue }

// Arith returns the tensor arithmetic collaborator this GraphTask was
// built with.
func (t *GraphTask) Arith() tensor.Arith { return t.arith }

// KeepGraph and CreateGraph report the grad-mode flags this invocation was
// constructed with.
func (t *GraphTask) KeepGraph() bool   { return t.keepGraph }
func (t *GraphTask) CreateGraph() bool { return t.createGraph }

// Owner returns the device index of the thread currently blocked waiting
// on this GraphTask.
func (t *GraphTask) Owner() tensor.Device { return tensor.Device(t.owner.Load()) }

// SetOwner records which device's driver thread is blocked on this
// GraphTask's future.
func (t *GraphTask) SetOwner(d tensor.Device) { t.owner.Store(int64(d)) }

// HasError reports whether the error latch has been set.
func (t *GraphTask) HasError() bool { return t.hasError.Load() }

// ExitOnError reports the completion policy: stop draining on first error.
func (t *GraphTask) ExitOnError() bool { return t.exitOnError }

// OutstandingTasks returns the current value of outstanding_tasks_.
func (t *GraphTask) OutstandingTasks() int64 { return t.outstandingTasks.Load() }

// DecOutstanding decrements outstanding_tasks_ by one and returns the new
// value.
func (t *GraphTask) DecOutstanding() int64 { return t.outstandingTasks.Add(-1) }

// IsComplete reports whether this GraphTask is done: either every task has
// drained, or an error was latched under an exit-on-error policy.
func (t *GraphTask) IsComplete() bool {
	if t.outstandingTasks.Load() <= 0 {
		return true
	}
	return t.exitOnError && t.hasError.Load()
}

// ComputeDependencies runs an iterative DFS from root over next_edges,
// incrementing dependencies_[successor] for every reached edge and
// visiting each node exactly once (spec §4.3).
func (t *GraphTask) ComputeDependencies(root graph.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := map[graph.Node]bool{root: true}
	stack := []graph.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range n.NextEdges() {
			if !e.IsValid() {
				continue
			}
			t.dependencies[e.Node]++
			if !seen[e.Node] {
				seen[e.Node] = true
				stack = append(stack, e.Node)
			}
		}
	}
}

// InitToExecute computes the needed subgraph when the caller requested
// specific output edges (spec §4.3). outputs is the list of requested
// (node, input_nr) edges; capturedVars is resized to len(outputs).
func (t *GraphTask) InitToExecute(root graph.Node, outputs []graph.Edge) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.execInfoLocked(root).Needed = true
	t.capturedVars = make([]*tensor.RawTensor, len(outputs))

	for outIdx, e := range outputs {
		if !e.IsValid() {
			continue
		}
		info := t.execInfoLocked(e.Node)
		info.Captures = append(info.Captures, Capture{InputIdx: e.InputNumber, OutputIdx: outIdx})
	}

	// Iterative post-order over the DAG reached from root: a node is needed
	// iff any successor should_execute. Each frame remembers how far into
	// its own next_edges it has explored, so a node is only popped -- and
	// only folds its ShouldExecute() into its parent -- once every one of
	// its successors has actually finished. A plain reverse-of-discovery-
	// order pass (this package's earlier approach) is only a valid
	// post-order for trees/chains: at a diamond merge point (two parents
	// sharing a successor) the shared successor can be discovered, and thus
	// appear late in discovery order, via whichever parent the DFS visits
	// second, which puts it too early in the reversed list for the other
	// parent to see its ShouldExecute() yet. This ports the original
	// engine's frame-based lazy expansion (engine.cpp's Frame/get_next_fn
	// in init_to_execute), which has no such requirement: a child already
	// seen when a frame reaches it can never still be on the stack in a
	// DAG, so it is always already fully processed and its ShouldExecute()
	// is final.
	type frame struct {
		node    graph.Node
		edges   []graph.Edge
		nextIdx int
	}
	seen := map[graph.Node]bool{root: true}
	stack := []*frame{{node: root, edges: root.NextEdges()}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		var child graph.Node
		for top.nextIdx < len(top.edges) {
			e := top.edges[top.nextIdx]
			top.nextIdx++
			if !e.IsValid() {
				continue
			}
			if !seen[e.Node] {
				seen[e.Node] = true
				child = e.Node
				break
			}
			if succ, ok := t.execInfo[e.Node]; ok && succ.ShouldExecute() {
				t.execInfoLocked(top.node).Needed = true
			}
		}

		if child != nil {
			stack = append(stack, &frame{node: child, edges: child.NextEdges()})
			continue
		}

		stack = stack[:len(stack)-1]
		if len(stack) > 0 && t.execInfoLocked(top.node).ShouldExecute() {
			parent := stack[len(stack)-1]
			t.execInfoLocked(parent.node).Needed = true
		}
	}
}

func (t *GraphTask) execInfoLocked(n graph.Node) *ExecInfo {
	info, ok := t.execInfo[n]
	if !ok {
		info = &ExecInfo{}
		t.execInfo[n] = info
	}
	return info
}

// ExecInfoFor returns the ExecInfo for n, and whether exec info tracking is
// active at all for this GraphTask (empty means every reachable node runs).
func (t *GraphTask) ExecInfoFor(n graph.Node) (info *ExecInfo, tracking bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.execInfo) == 0 {
		return nil, false
	}
	return t.execInfo[n], true
}

// Capture copies value into captured_vars_[outputIdx] under the GraphTask
// mutex, honoring the "written exactly once" invariant (spec invariant 4)
// by relying on callers only invoking this once per (node, capture) pair.
func (t *GraphTask) Capture(outputIdx int, value *tensor.RawTensor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if outputIdx >= 0 && outputIdx < len(t.capturedVars) {
		t.capturedVars[outputIdx] = value
	}
}

// DependencyCount returns the current unsatisfied predecessor count for n.
func (t *GraphTask) DependencyCount(n graph.Node) (count int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	count, ok = t.dependencies[n]
	return
}

// DecrementDependency decrements dependencies_[n] by one and, if it
// reaches zero, removes the entry and reports the node is now ready (spec
// §4.5 step 5, invariant 3).
func (t *GraphTask) DecrementDependency(n graph.Node) (ready bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	count, ok := t.dependencies[n]
	if !ok {
		return false, fmt.Errorf("gtask: missing dependency entry for %q: dependency analysis bug", n.Name())
	}
	count--
	if count <= 0 {
		delete(t.dependencies, n)
		return true, nil
	}
	t.dependencies[n] = count
	return false, nil
}

// BufferFor returns n's pending InputBuffer, allocating one sized to
// n.NumInputs() if this is the first contribution.
func (t *GraphTask) BufferFor(n graph.Node) *buffer.InputBuffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.notReady[n]
	if !ok {
		b = buffer.New(n.NumInputs(), t.arith)
		t.notReady[n] = b
	}
	return b
}

// ForgetBuffer removes n's entry from not_ready_, called once n's buffer has
// been drained for execution. The entry stays in place between enqueue and
// execution because the worker that runs n looks the buffer up here.
func (t *GraphTask) ForgetBuffer(n graph.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.notReady, n)
}

// AddLeafStream records s as used by a node with no successors, for the
// final leaf-stream sync (spec §4.1).
func (t *GraphTask) AddLeafStream(s devrt.Stream) {
	if s == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leafStreams[s] = struct{}{}
}

// LeafStreams returns every stream recorded via AddLeafStream.
func (t *GraphTask) LeafStreams() []devrt.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]devrt.Stream, 0, len(t.leafStreams))
	for s := range t.leafStreams {
		out = append(out, s)
	}
	return out
}

// SetException latches has_error_, and completes the future with err on a
// first-writer-wins basis (spec §7). Later calls are no-ops beyond
// latching the error flag, matching "first error wins" for the result the
// caller observes.
func (t *GraphTask) SetException(err error) {
	t.hasError.Store(true)
	t.once.Do(func() {
		t.resultErr = err
		close(t.done)
	})
}

// MarkCompleted completes the future with the captured outputs. A no-op if
// the future was already completed (by SetException racing ahead of it, or
// by a duplicate call).
func (t *GraphTask) MarkCompleted() {
	t.once.Do(func() {
		t.mu.Lock()
		t.result = t.capturedVars
		t.mu.Unlock()
		close(t.done)
	})
}

// Wait blocks until the future completes and returns the captured outputs
// or the first error, matching future_result_.wait() (spec §4.7).
func (t *GraphTask) Wait() ([]*tensor.RawTensor, error) {
	<-t.done
	return t.result, t.resultErr
}
