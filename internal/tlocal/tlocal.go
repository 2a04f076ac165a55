// Package tlocal emulates the per-thread context spec §5 and §9 call for
// (worker_device, current_depth, total_depth, checkpoint_valid,
// local_ready_queue): state that must survive a synchronous re-entry into
// the engine from a node's own Apply on the same goroutine, but must not
// leak across goroutines.
//
// Go provides no goroutine-local storage API by design, and no library in
// the retrieval pack offers one either — this is a genuinely stdlib-only
// piece of the engine (see DESIGN.md). The technique below, keying a
// guarded map by the numeric goroutine id parsed out of runtime.Stack, is
// the standard workaround reached for when per-goroutine state is
// unavoidable and a context.Context can't be threaded through every call
// site (here, a node's Apply signature is fixed by the graph package and
// cannot be made to accept one).
package tlocal

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/born-ml/backward/internal/queue"
	"github.com/born-ml/backward/internal/tensor"
)

// Context is the per-goroutine engine state installed on entry to Execute
// and restored on exit.
type Context struct {
	WorkerDevice    tensor.Device
	CurrentDepth    int
	TotalDepth      int
	CheckpointValid bool
	LocalReadyQueue *queue.ReadyQueue
}

// defaultContext is what a goroutine that has never entered the engine
// observes.
func defaultContext() *Context {
	return &Context{WorkerDevice: tensor.NoDevice, CheckpointValid: true}
}

var (
	mu    sync.RWMutex
	byGID = make(map[int64]*Context)
)

// goroutineID parses the numeric id out of runtime.Stack's header line
// ("goroutine 123 [running]:"). This is the same technique used across the
// Go ecosystem wherever a library needs a goroutine-scoped key and cannot
// change call signatures to carry a context.Context.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic("tlocal: failed to parse goroutine id: " + err.Error())
	}
	return id
}

// Current returns the calling goroutine's installed Context, or the
// default (unentered) Context if none has been installed.
func Current() *Context {
	gid := goroutineID()
	mu.RLock()
	ctx, ok := byGID[gid]
	mu.RUnlock()
	if !ok {
		return defaultContext()
	}
	return ctx
}

// Install replaces the calling goroutine's Context with ctx and returns a
// restoration function that puts back whatever was installed before (or
// clears the slot entirely if nothing was). Callers must invoke the
// returned function on every exit path, typically via defer, matching the
// "builder/installer... returns a restoration scope" shape spec §9
// prescribes.
func Install(ctx *Context) (restore func()) {
	gid := goroutineID()

	mu.Lock()
	prev, hadPrev := byGID[gid]
	byGID[gid] = ctx
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if hadPrev {
			byGID[gid] = prev
		} else {
			delete(byGID, gid)
		}
	}
}
