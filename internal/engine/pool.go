package engine

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/born-ml/backward/internal/gtask"
	"github.com/born-ml/backward/internal/queue"
	"github.com/born-ml/backward/internal/tlocal"
)

// reentrantPool is the shared pool of workers that drive GraphTasks
// offloaded once a reentrant call exceeds max_recursion_depth (spec §4.7,
// "Reentrant thread pool"). Pool workers never exit — they leak at process
// end intentionally, matching the source contract's accepted error policy
// (spec §5, §9's open question on pool shutdown).
type reentrantPool struct {
	engine *Engine

	mu      sync.Mutex
	cond    *sync.Cond
	pending []poolItem

	numWorkers atomic.Int64
}

type poolItem struct {
	gt          *gtask.GraphTask
	parentQueue *queue.ReadyQueue
}

func newReentrantPool(e *Engine) *reentrantPool {
	p := &reentrantPool{engine: e}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// addTask hands gt to the pool, spawning a new worker if the current
// worker count doesn't exceed the pending queue size — the same simple
// growth policy spec §4.7 describes.
func (p *reentrantPool) addTask(gt *gtask.GraphTask, parentQueue *queue.ReadyQueue) {
	p.mu.Lock()
	p.pending = append(p.pending, poolItem{gt: gt, parentQueue: parentQueue})
	queueSize := int64(len(p.pending))
	spawn := p.numWorkers.Load() <= queueSize
	p.mu.Unlock()

	if spawn {
		p.numWorkers.Add(1)
		go p.workerLoop()
		klog.V(2).Infof("engine: spawned reentrant pool worker (total %d)", p.numWorkers.Load())
	}
	p.cond.Signal()
}

func (p *reentrantPool) workerLoop() {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 {
			p.cond.Wait()
		}
		item := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		restore := tlocal.Install(&tlocal.Context{
			WorkerDevice:    item.gt.Owner(),
			LocalReadyQueue: item.parentQueue,
			TotalDepth:      item.gt.ReentrantDepth(),
			CheckpointValid: !item.gt.CreateGraph(),
		})
		p.engine.threadMain(item.parentQueue, item.gt)
		restore()
	}
}
