package engine

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/backward/internal/graph"
	"github.com/born-ml/backward/internal/gtask"
	"github.com/born-ml/backward/internal/queue"
	"github.com/born-ml/backward/internal/tensor"
	"github.com/born-ml/backward/internal/tlocal"
)

// Request bundles the arguments to Execute (spec §6's public execute
// signature).
type Request struct {
	// Roots are the output nodes to differentiate from.
	Roots []graph.Node

	// Seeds provides one seed gradient per root, in the same order.
	Seeds []*tensor.RawTensor

	// KeepGraph, when false, allows nodes to release saved forward
	// tensors once consumed.
	KeepGraph bool

	// CreateGraph marks this backward as itself differentiable
	// (imperative), which clears checkpoint_valid for its duration.
	CreateGraph bool

	// Outputs optionally names specific (node, input_nr) edges whose
	// values should be captured and returned, pruning everything not on
	// the path to them.
	Outputs []graph.Edge
}

// Execute runs one backward invocation to completion, implementing spec
// §4.6-§4.7.
func (e *Engine) Execute(req Request) ([]*tensor.RawTensor, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	e.ensureDeviceThreads()

	e.clearCallbacks()
	defer e.drainCallbacks()

	ctx := tlocal.Current()
	reentrant := ctx.WorkerDevice != tensor.NoDevice

	var cpuQueue *queue.ReadyQueue
	var reentrantDepth int
	if reentrant {
		cpuQueue = ctx.LocalReadyQueue
		reentrantDepth = ctx.TotalDepth + 1
	} else {
		cpuQueue = queue.New()
		reentrantDepth = 0
	}

	gt := gtask.New(cpuQueue, e.arith, reentrantDepth, req.KeepGraph, req.CreateGraph, e.cfg.ExitOnError)

	if len(req.Roots) == 0 {
		return nil, nil
	}

	root := graph.NewGraphRoot(req.Roots, req.Seeds)
	gt.ComputeDependencies(root)
	if len(req.Outputs) > 0 {
		gt.InitToExecute(root, req.Outputs)
	}

	rootTask := queue.NewNodeTask(root, gt, gt.WeakRef())
	cpuQueue.Push(rootTask, true)

	if reentrant {
		return e.driveReentrant(gt, cpuQueue)
	}
	return e.driveTopLevel(gt, cpuQueue)
}

// driveTopLevel runs the CPU worker loop inline on the calling goroutine —
// this goroutine *is* the CPU worker for the duration — and restores
// thread-locals before returning (spec §4.7's non-reentrant path, §7's
// resource-safety note).
func (e *Engine) driveTopLevel(gt *gtask.GraphTask, cpuQueue *queue.ReadyQueue) ([]*tensor.RawTensor, error) {
	gt.SetOwner(tensor.CPUDevice)
	restore := tlocal.Install(&tlocal.Context{
		WorkerDevice:    tensor.CPUDevice,
		LocalReadyQueue: cpuQueue,
		CheckpointValid: !gt.CreateGraph(),
	})
	e.threadMain(cpuQueue, nil)
	restore()

	outputs, err := gt.Wait()
	if err == nil {
		e.syncLeafStreams(gt)
	}
	return outputs, err
}

// driveReentrant implements spec §4.7's reentrant path: run inline up to
// max_recursion_depth, otherwise hand off to the pool.
func (e *Engine) driveReentrant(gt *gtask.GraphTask, cpuQueue *queue.ReadyQueue) ([]*tensor.RawTensor, error) {
	ctx := tlocal.Current()
	gt.SetOwner(ctx.WorkerDevice)

	if ctx.CurrentDepth < e.cfg.MaxRecursionDepth {
		restore := tlocal.Install(&tlocal.Context{
			WorkerDevice:    ctx.WorkerDevice,
			LocalReadyQueue: ctx.LocalReadyQueue,
			CurrentDepth:    ctx.CurrentDepth + 1,
			TotalDepth:      ctx.TotalDepth + 1,
			CheckpointValid: ctx.CheckpointValid && !gt.CreateGraph(),
		})
		e.threadMain(cpuQueue, gt)
		restore()
		outputs, err := gt.Wait()
		if err == nil {
			e.syncLeafStreams(gt)
		}
		return outputs, err
	}

	klog.V(2).Infof("engine: max recursion depth reached, offloading graph task %s to reentrant pool", gt.ID)
	e.pool.addTask(gt, cpuQueue)
	outputs, err := gt.Wait()
	if err == nil {
		e.syncLeafStreams(gt)
	}
	return outputs, err
}

// syncLeafStreams implements spec §4.1's end-of-backward stream sync: for
// every leaf stream a node without further edges executed on, record an
// event and make every device's default stream wait on it, so that a caller
// who only synchronizes with default streams after Execute returns is
// guaranteed to observe every backward effect regardless of which stream
// actually produced it.
func (e *Engine) syncLeafStreams(gt *gtask.GraphTask) {
	leaves := gt.LeafStreams()
	if len(leaves) == 0 {
		return
	}

	e.deviceMu.Lock()
	maxCount := e.maxDeviceCount
	e.deviceMu.Unlock()

	for _, leaf := range leaves {
		if leaf == nil {
			continue
		}
		ev := leaf.RecordEvent()
		for idx := 0; idx < maxCount; idx++ {
			for _, ds := range e.registry.DefaultStreams(idx) {
				ev.Wait(ds)
			}
		}
	}
}

func validateRequest(req Request) error {
	if len(req.Roots) != len(req.Seeds) {
		return fmt.Errorf("engine: %d roots but %d seeds", len(req.Roots), len(req.Seeds))
	}
	for i, seed := range req.Seeds {
		if seed == nil {
			return fmt.Errorf("engine: seed %d is nil", i)
		}
		if !seed.DType().IsFloatingPoint() {
			return fmt.Errorf("engine: seed %d has non-floating-point dtype %s", i, seed.DType())
		}
	}
	return nil
}
