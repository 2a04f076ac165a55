// Package cpu implements the always-available synchronous device runtime:
// a single device whose stream executes everything immediately, so waits
// and synchronization are no-ops. Grounded on born-ml/born's
// internal/backend/cpu.Backend, trimmed to the lifecycle surface
// devrt.Runtime requires (no tensor arithmetic — that stays with the
// embedding tensor library).
package cpu

import (
	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/tensor"
)

// Runtime is the CPU devrt.Runtime implementation. It always reports
// exactly one device.
type Runtime struct {
	stream *stream
}

// New returns a ready-to-use CPU runtime.
func New() *Runtime {
	return &Runtime{stream: &stream{}}
}

// DeviceCount implements devrt.Runtime.
func (r *Runtime) DeviceCount() int { return 1 }

// SetDevice implements devrt.Runtime. The CPU only ever has device 0.
func (r *Runtime) SetDevice(idx int) error {
	if idx != 0 {
		panic("cpu: only device 0 exists")
	}
	return nil
}

// DefaultStream implements devrt.Runtime.
func (r *Runtime) DefaultStream(idx int) devrt.Stream {
	return r.stream
}

// stream is a no-op stream: on the CPU every "producer" has already
// finished by the time the engine records an event, since node Apply calls
// run synchronously on the worker goroutine.
type stream struct{}

func (s *stream) Device() tensor.Device { return tensor.CPUDevice }

func (s *stream) RecordEvent() devrt.Event { return noopEvent{} }

func (s *stream) Synchronize() {}

type noopEvent struct{}

func (noopEvent) Wait(devrt.Stream) {}
