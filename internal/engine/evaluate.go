package engine

import (
	"fmt"

	"github.com/born-ml/backward/internal/buffer"
	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/graph"
	"github.com/born-ml/backward/internal/gtask"
	"github.com/born-ml/backward/internal/queue"
	"github.com/born-ml/backward/internal/tensor"
)

// evaluateFunction implements spec §4.5: check exec-info gating, drain and
// validate fn's InputBuffer, run hooks around Apply, then dispatch outputs
// to successor nodes.
func (e *Engine) evaluateFunction(gt *gtask.GraphTask, fn graph.Node) error {
	if info, tracking := gt.ExecInfoFor(fn); tracking {
		if info == nil {
			return fmt.Errorf("engine: node %q has no exec info entry despite tracking being active", fn.Name())
		}
		if len(info.Captures) > 0 {
			buf := gt.BufferFor(fn)
			vals := buf.IntoVariables()
			for _, c := range info.Captures {
				if c.InputIdx >= 0 && c.InputIdx < len(vals) {
					gt.Capture(c.OutputIdx, vals[c.InputIdx])
				}
			}
			for i, v := range vals {
				if v != nil {
					_ = buf.Add(i, v, nil, nil)
				}
			}
		}
		if !info.Needed {
			return nil
		}
	}

	outputs, err := e.callFunction(gt, fn)
	if err != nil {
		return err
	}

	edges := fn.NextEdges()
	if len(edges) == 0 {
		gt.AddLeafStream(fn.Stream())
		return nil
	}

	return e.dispatchOutputs(gt, fn, edges, outputs)
}

// callFunction drains fn's InputBuffer, runs pre-hooks, invokes fn.Apply,
// validates outputs, and runs post-hooks (spec §4.5 step 2).
func (e *Engine) callFunction(gt *gtask.GraphTask, fn graph.Node) ([]*tensor.RawTensor, error) {
	buf := gt.BufferFor(fn)
	if err := buf.ValidateAgainst(fn, gt.Arith()); err != nil {
		return nil, err
	}

	inputs := buf.IntoVariables()
	gt.ForgetBuffer(fn)
	for _, hook := range fn.PreHooks() {
		for i, v := range inputs {
			if v != nil {
				if r := hook(v); r != nil {
					inputs[i] = r
				}
			}
		}
	}

	var release func()
	if len(fn.PostHooks()) > 0 {
		release = keepAlive(inputs)
		defer release()
	}

	outputs, err := fn.Apply(inputs)
	if err != nil {
		return nil, fmt.Errorf("engine: node %q apply: %w", fn.Name(), err)
	}

	for _, hook := range fn.PostHooks() {
		for i, v := range outputs {
			if v != nil {
				if r := hook(v); r != nil {
					outputs[i] = r
				}
			}
		}
	}

	return outputs, nil
}

// keepAlive forces every non-nil tensor in vals to report IsUnique()==false
// for the duration of the returned scope, so a downstream gradient
// accumulator sharing this call's InputBuffer values cannot steal them
// in place (spec §4.5 step 2, the "cross-component contract" note).
func keepAlive(vals []*tensor.RawTensor) func() {
	var undo []func()
	for _, v := range vals {
		if v != nil {
			undo = append(undo, v.ForceNonUnique())
		}
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}

// dispatchOutputs routes each output to its next_edge's successor,
// accumulating into a pending InputBuffer and enqueuing the successor once
// its last dependency arrives (spec §4.5 step 5).
func (e *Engine) dispatchOutputs(gt *gtask.GraphTask, fn graph.Node, edges []graph.Edge, outputs []*tensor.RawTensor) error {
	outputs = fillMissingGradsWithZeros(fn, outputs)

	for i, next := range edges {
		if !next.IsValid() {
			continue
		}

		if info, tracking := gt.ExecInfoFor(next.Node); tracking {
			if info == nil || !info.ShouldExecute() {
				if _, err := gt.DecrementDependency(next.Node); err != nil {
					return err
				}
				continue
			}
		}

		// A valid edge's dependency count and readiness must be tracked
		// even when this particular output is undefined (nil): an
		// undefined gradient for one input of a multi-input node is a
		// legitimate passthrough (e.g. a node with no grad requirement on
		// that input), not an error, and the successor still needs every
		// contribution accounted for to ever reach zero and get enqueued.
		ready, err := gt.DecrementDependency(next.Node)
		if err != nil {
			return err
		}

		if i >= len(outputs) || outputs[i] == nil {
			if ready {
				e.enqueue(gt, next.Node)
			}
			continue
		}

		reduced, err := buffer.ValidateOne(outputs[i], next.Node.InputMetadata(next.InputNumber), gt.Arith())
		if err != nil {
			return fmt.Errorf("engine: output %d of %q: %w", i, fn.Name(), err)
		}

		succBuf := gt.BufferFor(next.Node)
		var producer, consumer devrt.Stream
		producer = fn.Stream()
		consumer = next.Node.Stream()
		if err := succBuf.Add(next.InputNumber, reduced, producer, consumer); err != nil {
			return fmt.Errorf("engine: routing output %d of %q: %w", i, fn.Name(), err)
		}

		if ready {
			e.enqueue(gt, next.Node)
		}
	}
	return nil
}

// fillMissingGradsWithZeros fills nil entries in outputs with zero tensors
// shaped per fn's declared input metadata whenever at least one real output
// was produced, generalizing tape.go's fillMissingGradsWithZeros from a
// fixed ChunkOp case onto any multi-output node (see SPEC_FULL supplemented
// features).
func fillMissingGradsWithZeros(fn graph.Node, outputs []*tensor.RawTensor) []*tensor.RawTensor {
	if fn.NumOutputs() <= 1 {
		return outputs
	}
	anyPresent := false
	for _, o := range outputs {
		if o != nil {
			anyPresent = true
			break
		}
	}
	if !anyPresent {
		return outputs
	}
	for i := range outputs {
		if outputs[i] != nil {
			continue
		}
		meta := fn.InputMetadata(i)
		if meta.Shape == nil {
			continue
		}
		zero, err := tensor.NewRaw(meta.Shape, meta.DType, meta.Device)
		if err == nil {
			outputs[i] = zero
		}
	}
	return outputs
}

// enqueue pushes a NodeTask for n onto the ReadyQueue matching n's pending
// InputBuffer's device (spec §4.5 step 5's "push a NodeTask onto the queue
// for buffer.device()").
func (e *Engine) enqueue(gt *gtask.GraphTask, n graph.Node) {
	buf := gt.BufferFor(n)
	device := buf.Device()

	task := queue.NewNodeTask(n, gt, gt.WeakRef())
	if device == tensor.CPUDevice {
		gt.CPUReadyQueue().Push(task, true)
		return
	}
	e.deviceQueueFor(device).Push(task, true)
}
