// Package devrt defines the device runtime contract the engine consumes
// (spec §6): stream/event primitives for producer-consumer ordering, and a
// registry of per-device-type implementations the engine discovers workers
// and default streams through.
//
// Modeled on born-ml/born's backend split (internal/backend/cpu,
// internal/backend/webgpu): a small interface the tensor-arithmetic backend
// used to implement directly, narrowed here to only the device-lifecycle
// and stream/event operations the scheduler itself needs.
package devrt

import "github.com/born-ml/backward/internal/tensor"

// DeviceType distinguishes runtime implementations registered with the
// engine. It is independent of tensor.Device, which is the flat routing
// index used for ready-queue selection; two device types can be colocated
// at the same flat index (spec §4.6).
type DeviceType int

const (
	// CPU is the synchronous host runtime; its implementation (devrt/cpu)
	// reports exactly one device. A new Registry does not register it
	// automatically.
	CPU DeviceType = iota
	// WebGPU is the reference GPU device-type implementation.
	WebGPU
)

func (dt DeviceType) String() string {
	switch dt {
	case CPU:
		return "cpu"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// Event is a point recorded on a Stream that another Stream can wait on.
type Event interface {
	// Wait blocks the calling stream's future work until the event fires.
	Wait(on Stream)
}

// Stream is a device-ordered sequence of operations. graph.Node.Stream
// returns this type directly; this package does not import graph.
type Stream interface {
	// Device reports which flat device index this stream belongs to.
	Device() tensor.Device

	// RecordEvent records a new event marking the current position in this
	// stream's operation sequence.
	RecordEvent() Event

	// Synchronize blocks the calling goroutine until every operation
	// enqueued on this stream so far has completed.
	Synchronize()
}

// Runtime is what a device-type implementation provides (spec §6, "Device
// runtime contract").
type Runtime interface {
	// DeviceCount reports how many physical devices this runtime manages.
	DeviceCount() int

	// SetDevice selects idx as the current device for the calling
	// goroutine's subsequent stream operations. idx is a runtime-local
	// index in [0, DeviceCount()), not the engine's flat tensor.Device.
	SetDevice(idx int) error

	// DefaultStream returns the always-present default stream for device
	// idx, used for the final leaf-stream synchronization (spec §4.1).
	DefaultStream(idx int) Stream
}

// Registry maps device types to their Runtime implementation. The engine
// uses it to compute the flat worker-device space (spec §4.6): every type
// shares the same flat indices, and registration order determines the order
// in which DefaultStreams lists colocated types.
type Registry struct {
	runtimes map[DeviceType]Runtime
	order    []DeviceType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[DeviceType]Runtime)}
}

// Register installs rt as the implementation for dt. Registering the same
// type twice replaces the previous implementation.
func (r *Registry) Register(dt DeviceType, rt Runtime) {
	if _, exists := r.runtimes[dt]; !exists {
		r.order = append(r.order, dt)
	}
	r.runtimes[dt] = rt
}

// Runtime returns the implementation registered for dt, if any.
func (r *Registry) Runtime(dt DeviceType) (Runtime, bool) {
	rt, ok := r.runtimes[dt]
	return rt, ok
}

// MaxDeviceCount returns the largest DeviceCount() across every registered
// runtime: the number of flat worker-device slots the engine must spawn
// (spec §4.6 — "one detached worker" per distinct flat index up to this
// maximum).
func (r *Registry) MaxDeviceCount() int {
	max := 0
	for _, dt := range r.order {
		if n := r.runtimes[dt].DeviceCount(); n > max {
			max = n
		}
	}
	return max
}

// DefaultStreams returns, for flat device index idx, the default stream
// from every registered runtime whose DeviceCount() covers idx. Devices of
// different types colocated at the same flat index (spec §4.6) each get
// their own default stream synced at shutdown.
func (r *Registry) DefaultStreams(idx int) []Stream {
	var streams []Stream
	for _, dt := range r.order {
		rt := r.runtimes[dt]
		if idx < rt.DeviceCount() {
			streams = append(streams, rt.DefaultStream(idx))
		}
	}
	return streams
}
