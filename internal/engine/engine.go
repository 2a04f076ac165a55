// Package engine implements the scheduler: device worker lifecycle,
// reentrant-backward policy, and the execute entry point that drives a
// GraphTask to completion (spec §4.4–§4.7, §6).
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/queue"
	"github.com/born-ml/backward/internal/tensor"
	"github.com/born-ml/backward/internal/tlocal"
)

// Config controls engine construction, following born-ml/born's
// Config-struct-with-DefaultConfig idiom (internal/parallel.Config).
type Config struct {
	// MaxRecursionDepth governs how many nested reentrant invocations run
	// inline on the calling goroutine before offload to the reentrant
	// pool (spec §6's constant, default 100).
	MaxRecursionDepth int

	// ExitOnError stops draining a GraphTask's queue as soon as the first
	// error is latched, rather than letting every already-queued task run
	// to completion.
	ExitOnError bool
}

// DefaultConfig returns the engine's default policy.
func DefaultConfig() Config {
	return Config{MaxRecursionDepth: 100, ExitOnError: true}
}

// Engine is the scheduler: it owns the device worker pool, the reentrant
// thread pool, and the scoped post-backward callback list.
type Engine struct {
	registry *devrt.Registry
	arith    tensor.Arith
	cfg      Config

	deviceMu       sync.Mutex
	deviceStarted  bool
	deviceQueues   map[int]*queue.ReadyQueue
	maxDeviceCount int

	pool *reentrantPool

	callbacksMu sync.Mutex
	callbacks   []func()
}

// New constructs an Engine bound to registry (the device-type runtimes
// available) and arith (the tensor arithmetic collaborator InputBuffer
// accumulation and shape reduction call into).
func New(registry *devrt.Registry, arith tensor.Arith, cfg Config) *Engine {
	e := &Engine{
		registry:     registry,
		arith:        arith,
		cfg:          cfg,
		deviceQueues: make(map[int]*queue.ReadyQueue),
	}
	e.pool = newReentrantPool(e)
	return e
}

// ensureDeviceThreads lazily starts one worker goroutine per flat device
// index, idempotently (spec §4.6). Called on every Execute so the first
// invocation pays the startup cost.
func (e *Engine) ensureDeviceThreads() {
	e.deviceMu.Lock()
	defer e.deviceMu.Unlock()
	if e.deviceStarted {
		return
	}
	e.deviceStarted = true
	e.maxDeviceCount = e.registry.MaxDeviceCount()

	for idx := 0; idx < e.maxDeviceCount; idx++ {
		q := queue.New()
		e.deviceQueues[idx] = q
		go e.deviceWorkerLoop(tensor.Device(idx), q)
	}
	klog.V(2).Infof("engine: started %d device worker(s)", e.maxDeviceCount)
}

// deviceQueueFor returns the persistent ReadyQueue backing flat device
// index d, starting device threads first if this is the first call.
func (e *Engine) deviceQueueFor(d tensor.Device) *queue.ReadyQueue {
	e.ensureDeviceThreads()
	e.deviceMu.Lock()
	defer e.deviceMu.Unlock()
	q, ok := e.deviceQueues[int(d)]
	if !ok {
		panic(fmt.Sprintf("engine: no worker registered for device %s", d))
	}
	return q
}

// IsCheckpointValid reports the calling goroutine's checkpoint_valid
// thread-local (spec §5, §9): true iff every ancestor engine invocation on
// this goroutine was a non-imperative (create_graph=false) backward.
func (e *Engine) IsCheckpointValid() bool {
	return tlocal.Current().CheckpointValid
}

// QueueCallback registers fn to run once the current top-level Execute
// call completes (spec §6). Scoped to a single invocation: the callback
// list is cleared on entry to Execute and on every exit path.
func (e *Engine) QueueCallback(fn func()) {
	e.callbacksMu.Lock()
	e.callbacks = append(e.callbacks, fn)
	e.callbacksMu.Unlock()
}

// drainCallbacks runs and clears every registered callback. A callback may
// register more callbacks (including from another goroutine); the lock is
// released before each call so that registration doesn't deadlock against
// drainCallbacks itself.
func (e *Engine) drainCallbacks() {
	for {
		e.callbacksMu.Lock()
		if len(e.callbacks) == 0 {
			e.callbacksMu.Unlock()
			return
		}
		fn := e.callbacks[0]
		e.callbacks = e.callbacks[1:]
		e.callbacksMu.Unlock()
		fn()
	}
}

// clearCallbacks discards any pending callbacks without running them,
// installed as the scoped guard's cleanup on entry to Execute.
func (e *Engine) clearCallbacks() {
	e.callbacksMu.Lock()
	e.callbacks = nil
	e.callbacksMu.Unlock()
}

// EngineStub is the minimal interface an alternate or subclassed engine
// implementation must satisfy to stand in for the built-in scheduler as the
// process default (spec §6's set_default_engine_stub). *Engine itself
// satisfies EngineStub; a distributed-autograd extension that needs to
// intercept every Execute call installs its own implementation instead.
type EngineStub interface {
	Execute(req Request) ([]*tensor.RawTensor, error)
}

var defaultEngine atomic.Pointer[EngineStub]

// SetDefaultEngineStub installs stub as the process-wide default engine
// (spec §6), letting an extension replace the built-in scheduler for every
// caller that fetches it via DefaultEngineStub. Passing nil clears the
// override, reverting DefaultEngineStub to reporting none installed.
func SetDefaultEngineStub(stub EngineStub) {
	if stub == nil {
		defaultEngine.Store(nil)
		return
	}
	defaultEngine.Store(&stub)
}

// DefaultEngineStub returns the process-wide default engine installed via
// SetDefaultEngineStub, or nil if none has been installed.
func DefaultEngineStub() EngineStub {
	p := defaultEngine.Load()
	if p == nil {
		return nil
	}
	return *p
}

// EnqueueBlockedTaskOnCPU pushes a pre-built task onto the top-level CPU
// queue currently installed on the calling goroutine, without incrementing
// outstanding_tasks_ (spec §6: the caller, typically a distributed engine
// extension, has already accounted for it).
func (e *Engine) EnqueueBlockedTaskOnCPU(task *queue.NodeTask) error {
	ctx := tlocal.Current()
	if ctx.LocalReadyQueue == nil {
		return fmt.Errorf("engine: no local CPU ready queue installed on this goroutine")
	}
	ctx.LocalReadyQueue.Push(task, false)
	return nil
}
