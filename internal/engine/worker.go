package engine

import (
	"k8s.io/klog/v2"

	"github.com/born-ml/backward/internal/gtask"
	"github.com/born-ml/backward/internal/queue"
	"github.com/born-ml/backward/internal/tensor"
	"github.com/born-ml/backward/internal/tlocal"
)

// deviceWorkerLoop runs threadMain forever on a dedicated goroutine for a
// persistent device queue. Device workers only terminate on a shutdown
// sentinel (spec §4.4's "Termination condition" note).
func (e *Engine) deviceWorkerLoop(device tensor.Device, q *queue.ReadyQueue) {
	restore := tlocal.Install(&tlocal.Context{WorkerDevice: device, LocalReadyQueue: q, CheckpointValid: true})
	defer restore()
	e.threadMain(q, nil)
}

// threadMain is the worker loop of spec §4.4: pop, resolve, evaluate,
// decrement, detect completion, wake a cross-device owner.
//
// target distinguishes the two termination conditions. nil means a
// non-reentrant worker (a persistent device worker, or the top-level CPU
// driver): it exits only on the shutdown sentinel, or — if it is the
// top-level CPU driver — once the GraphTask it owns completes. A non-nil
// target means a reentrant invocation (inline or pool-dispatched): the
// worker keeps draining the shared queue, regardless of which GraphTask
// each popped task belongs to, until target's own outstanding_tasks_
// reaches zero (spec §4.4's reentrant termination note) — the queue can be
// shared with the parent thread, so other GraphTasks' tasks may interleave.
func (e *Engine) threadMain(q *queue.ReadyQueue, target *gtask.GraphTask) {
	for {
		task := q.Pop()
		if task.IsShutdown() {
			return
		}

		owner, ok := task.Owner()
		if !ok {
			klog.V(2).Infof("engine: %v, dropping task", gtask.ErrGraphTaskExpired)
			continue
		}
		gt, ok := owner.(*gtask.GraphTask)
		if !ok {
			panic("engine: queue.TaskOwner resolved to a non-*gtask.GraphTask")
		}

		if task.Fn != nil && !gt.HasError() {
			if err := e.evaluateFunction(gt, task.Fn); err != nil {
				gt.SetException(err)
				klog.Errorf("engine: node %q failed: %v (graph task %s)", task.Fn.Name(), err, gt.ID)
			}
		}

		remaining := gt.DecOutstanding()
		complete := remaining <= 0 || (gt.ExitOnError() && gt.HasError())

		if complete {
			gt.MarkCompleted()
			if target == nil && tlocal.Current().WorkerDevice == tensor.CPUDevice && gt.Owner() == tensor.CPUDevice {
				return
			}
			if owningDevice := gt.Owner(); owningDevice != tlocal.Current().WorkerDevice {
				e.wakeOwner(owningDevice, gt)
			}
		}

		if target != nil && target.OutstandingTasks() <= 0 {
			return
		}
	}
}

// wakeOwner pushes a no-op NodeTask onto owningDevice's queue so a worker
// blocked in Pop observes the now-complete GraphTask (spec §4.7,
// "Completion signaling across devices"). CPU owners are woken implicitly
// because the CPU driver runs inline on the caller's own goroutine and
// checks completion itself; only genuine device queues need the wake-up.
func (e *Engine) wakeOwner(owningDevice tensor.Device, gt *gtask.GraphTask) {
	if owningDevice == tensor.CPUDevice || owningDevice == tensor.NoDevice {
		return
	}
	klog.V(2).Infof("engine: waking device %s for completed graph task %s", owningDevice, gt.ID)
	q := e.deviceQueueFor(owningDevice)
	noop := queue.NewNodeTask(nil, gt, gt.WeakRef())
	q.Push(noop, false)
}

