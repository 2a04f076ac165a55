package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// tensorBuffer is a reference-counted shared buffer for Copy-on-Write
// semantics, adapted directly from born-ml/born's internal/tensor buffer.
//
// The engine relies on this refcount for one specific contract (spec §4.5
// step 2): when a node has post-hooks, evaluateFunction keeps one extra live
// reference to the drained InputBuffer's tensors around the fn(inputs) call.
// A gradient-accumulator operator downstream inspects IsUnique() to decide
// whether it may steal the buffer in place or must clone it — exactly the
// use ForceNonUnique serves in the teacher's AutodiffBackend.Add/Mul/etc.
type tensorBuffer struct {
	data     []byte
	refCount atomic.Int32
	mu       sync.Mutex
}

func newTensorBuffer(size int) *tensorBuffer {
	buf := &tensorBuffer{data: make([]byte, size)}
	buf.refCount.Store(1)
	return buf
}

func (tb *tensorBuffer) addRef() { tb.refCount.Add(1) }

func (tb *tensorBuffer) release() {
	if tb.refCount.Add(-1) == 0 {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.data = nil
	}
}

func (tb *tensorBuffer) isUnique() bool { return tb.refCount.Load() == 1 }

// RawTensor is the engine's tensor handle: a refcounted buffer plus the
// metadata (shape, dtype, device) the scheduler validates against.
type RawTensor struct {
	buffer *tensorBuffer
	shape  Shape
	dtype  DataType
	device Device
}

// NewRaw allocates a zeroed RawTensor. The engine uses this only to
// synthesize zero gradients for multi-output operations with a partially
// populated gradient set (spec §4.3, fillMissingGradsWithZeros).
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("tensor: invalid shape: %w", err)
	}
	byteSize := shape.NumElements() * dtype.Size()
	return &RawTensor{
		buffer: newTensorBuffer(byteSize),
		shape:  shape.Clone(),
		dtype:  dtype,
		device: device,
	}, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape { return r.shape }

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType { return r.dtype }

// Device returns the tensor's device.
func (r *RawTensor) Device() Device { return r.device }

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int { return r.shape.NumElements() }

// Data returns the raw byte slice backing the tensor.
func (r *RawTensor) Data() []byte { return r.buffer.data }

// AsFloat32 interprets the data as []float32. Panics if dtype isn't Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor: dtype is %s, not float32", r.dtype))
	}
	if len(r.buffer.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.buffer.data[0])), r.NumElements())
}

// AsFloat64 interprets the data as []float64. Panics if dtype isn't Float64.
func (r *RawTensor) AsFloat64() []float64 {
	if r.dtype != Float64 {
		panic(fmt.Sprintf("tensor: dtype is %s, not float64", r.dtype))
	}
	if len(r.buffer.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*float64)(unsafe.Pointer(&r.buffer.data[0])), r.NumElements())
}

// WithShape returns a shallow copy of r reporting a different shape over the
// same buffer, used by SumTo/Cast implementations that don't reallocate.
func (r *RawTensor) WithShape(s Shape) *RawTensor {
	r.buffer.addRef()
	return &RawTensor{buffer: r.buffer, shape: s.Clone(), dtype: r.dtype, device: r.device}
}

// Clone shares the underlying buffer (copy-on-write) and bumps its refcount.
func (r *RawTensor) Clone() *RawTensor {
	r.buffer.addRef()
	return &RawTensor{buffer: r.buffer, shape: r.shape.Clone(), dtype: r.dtype, device: r.device}
}

// Release decrements the reference count, freeing the buffer at zero.
func (r *RawTensor) Release() { r.buffer.release() }

// IsUnique returns true if this tensor is the only reference to its buffer.
func (r *RawTensor) IsUnique() bool { return r.buffer.isUnique() }

// ForceNonUnique temporarily increments the refcount so IsUnique() reports
// false, preventing an in-place optimization from corrupting a value another
// component (an InputBuffer accumulation, a replayed graph) still needs.
// The returned function must be called, typically via defer, to undo it.
func (r *RawTensor) ForceNonUnique() func() {
	r.buffer.addRef()
	return func() { r.buffer.release() }
}
