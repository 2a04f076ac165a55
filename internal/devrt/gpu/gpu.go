// Package gpu implements a WebGPU-backed devrt.Runtime: a single device,
// from the one adapter New acquires, with streams mapped onto WebGPU
// command-queue submissions and events onto queue work-done fences.
//
// Grounded on born-ml/born's internal/backend/webgpu.Backend
// (instance/adapter/device/queue acquisition sequence). That file imports
// github.com/cogentcore/webgpu/wgpu even though go.mod declares
// github.com/go-webgpu/webgpu as the direct dependency — a retrieval
// inconsistency in the teacher itself. This package follows the
// go.mod-declared module and models the same call shape the teacher
// demonstrates (CreateInstance / RequestAdapter / RequestDevice / GetQueue);
// see DESIGN.md.
package gpu

import (
	"fmt"

	webgpu "github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/tensor"
)

// Runtime is the WebGPU devrt.Runtime implementation. It manages one
// logical device (spec's engine treats every registered GPU runtime's
// devices as a flat index range; a multi-adapter runtime would extend
// devices, not this type).
type Runtime struct {
	instance *webgpu.Instance
	adapter  *webgpu.Adapter
	device   *webgpu.Device
	queue    *webgpu.Queue
	stream   *stream
}

// New acquires a WebGPU instance, adapter, device and queue, mirroring the
// teacher's Backend.New acquisition order.
func New() (rt *Runtime, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt = nil
			err = fmt.Errorf("devrt/gpu: native library not available: %v", r)
		}
	}()

	instance, err := webgpu.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("devrt/gpu: create instance: %w", err)
	}

	adapter, err := instance.RequestAdapter(&webgpu.RequestAdapterOptions{
		PowerPreference: webgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("devrt/gpu: request adapter: %w", err)
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("devrt/gpu: request device: %w", err)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("devrt/gpu: failed to get queue")
	}

	return &Runtime{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		stream:   &stream{device: 0, encoder: nil, queue: queue},
	}, nil
}

// DeviceCount implements devrt.Runtime. This reference implementation
// exposes the single adapter it acquired at New; a production runtime would
// enumerate every adapter the instance reports.
func (r *Runtime) DeviceCount() int { return 1 }

// SetDevice implements devrt.Runtime.
func (r *Runtime) SetDevice(idx int) error {
	if idx != 0 {
		return fmt.Errorf("devrt/gpu: device %d not present", idx)
	}
	return nil
}

// DefaultStream implements devrt.Runtime.
func (r *Runtime) DefaultStream(idx int) devrt.Stream {
	return r.stream
}

// stream submits encoded command buffers to the WebGPU queue and models
// producer/consumer ordering via queue.Submit + OnSubmittedWorkDone.
type stream struct {
	device  int
	encoder *webgpu.CommandEncoder
	queue   *webgpu.Queue
}

func (s *stream) Device() tensor.Device { return tensor.Device(s.device) }

// RecordEvent submits whatever work is pending on this stream's encoder
// and returns an Event that fires when the GPU signals completion.
func (s *stream) RecordEvent() devrt.Event {
	if s.encoder == nil {
		return &workDoneEvent{queue: s.queue, done: true}
	}
	cmd := s.encoder.Finish(nil)
	s.queue.Submit(cmd)
	s.encoder = nil
	return &workDoneEvent{queue: s.queue}
}

// Synchronize blocks until every submission on this stream's queue has
// completed.
func (s *stream) Synchronize() {
	done := make(chan struct{})
	s.queue.OnSubmittedWorkDone(func() { close(done) })
	<-done
}

type workDoneEvent struct {
	queue *webgpu.Queue
	done  bool
}

// Wait blocks the calling goroutine until this event's queue submission
// completes. WebGPU has no cross-stream device-side wait primitive exposed
// through the go-webgpu bindings, so ordering across streams is enforced
// host-side by blocking before the consumer stream's next command is
// encoded — sufficient for the engine's producer-before-consumer contract
// (spec §4.1) though it forfeits fully async GPU-side waits.
func (e *workDoneEvent) Wait(on devrt.Stream) {
	if e.done {
		return
	}
	done := make(chan struct{})
	e.queue.OnSubmittedWorkDone(func() { close(done) })
	<-done
}
