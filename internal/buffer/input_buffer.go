// Package buffer implements InputBuffer, the per-node accumulator that
// gathers gradient contributions from every predecessor before a node is
// dispatched (spec §3, §4.1).
//
// Grounded on the accumulate-vs-store distinction born-ml/born's
// AutodiffBackend wraps around every arithmetic op: InputBuffer.Add stores a
// contribution into an empty slot and otherwise sums it into the slot,
// using internal/tensor.Arith for the actual addition.
package buffer

import (
	"fmt"
	"sync"

	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/graph"
	"github.com/born-ml/backward/internal/tensor"
)

// InputBuffer is a fixed-length sequence of optional tensors, one slot per
// node input.
type InputBuffer struct {
	mu    sync.Mutex
	slots []*tensor.RawTensor
	arith tensor.Arith
}

// New allocates an InputBuffer with numSlots empty slots.
func New(numSlots int, arith tensor.Arith) *InputBuffer {
	return &InputBuffer{slots: make([]*tensor.RawTensor, numSlots), arith: arith}
}

// Add places value into slot, or accumulates it into whatever is already
// there, under stream-ordered synchronization (spec §4.1 step 1-2).
//
// If producer and consumer streams are both given and differ, the consumer
// stream is made to wait on an event recorded on the producer stream before
// value is touched; when a prior partial sum exists, the accumulation
// itself runs "on" (from the caller's perspective, after) the consumer
// stream's wait.
func (b *InputBuffer) Add(slot int, value *tensor.RawTensor, producer, consumer devrt.Stream) error {
	if slot < 0 || slot >= len(b.slots) {
		return fmt.Errorf("buffer: slot %d out of range [0,%d)", slot, len(b.slots))
	}

	if producer != nil && consumer != nil && producer != consumer {
		producer.RecordEvent().Wait(consumer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slots[slot] == nil {
		b.slots[slot] = value
		return nil
	}
	b.slots[slot] = b.arith.Add(b.slots[slot], value)
	return nil
}

// Device reports which flat device index the consuming node should be
// scheduled on: CPU if any slot lives on the CPU, else the device of the
// first populated GPU slot (spec §3's deterministic tie-break).
func (b *InputBuffer) Device() tensor.Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := tensor.NoDevice
	for _, s := range b.slots {
		if s == nil {
			continue
		}
		d := s.Device()
		if d == tensor.CPUDevice {
			return tensor.CPUDevice
		}
		if first == tensor.NoDevice {
			first = d
		}
	}
	if first == tensor.NoDevice {
		return tensor.CPUDevice
	}
	return first
}

// IntoVariables drains the buffer into a slice, one entry per slot; empty
// slots become nil (the "undefined tensor" sentinel evaluateFunction and
// downstream nodes must tolerate).
func (b *InputBuffer) IntoVariables() []*tensor.RawTensor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*tensor.RawTensor, len(b.slots))
	copy(out, b.slots)
	for i := range b.slots {
		b.slots[i] = nil
	}
	return out
}

// NumSlots returns the buffer's fixed length.
func (b *InputBuffer) NumSlots() int { return len(b.slots) }

// ValidateAgainst checks each populated slot against fn's declared
// InputMetadata, sum-reducing an expandable-but-mismatched shape, casting a
// mismatched but floating-point-compatible dtype, and erroring on a device
// mismatch or a non-floating-point gradient (spec §4.5 step 2).
func (b *InputBuffer) ValidateAgainst(fn graph.Node, arith tensor.Arith) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, v := range b.slots {
		if v == nil {
			continue
		}
		reduced, err := ValidateOne(v, fn.InputMetadata(i), arith)
		if err != nil {
			return fmt.Errorf("buffer: slot %d %w", i, err)
		}
		b.slots[i] = reduced
	}
	return nil
}

// ValidateOne applies a single contribution's share of the spec §4.5 step-2
// validation: v's dtype must be floating-point, its device must match meta,
// and its shape is either equal to meta.Shape or sum-reduced down to it when
// expandable. A dtype mismatch is cast after shape reconciliation. Both
// ValidateAgainst (validating a drained buffer as a whole) and the engine's
// per-output routing step (validating one contribution before it is summed
// into a buffer slot) share this so an individually-expandable contribution
// is reduced to its target shape before accumulation rather than after.
func ValidateOne(v *tensor.RawTensor, meta graph.InputMetadata, arith tensor.Arith) (*tensor.RawTensor, error) {
	if !v.DType().IsFloatingPoint() {
		return nil, fmt.Errorf("gradient dtype %s is not floating-point", v.DType())
	}
	if v.Device() != meta.Device {
		return nil, fmt.Errorf("device mismatch: got %s, want %s", v.Device(), meta.Device)
	}
	if !v.Shape().Equal(meta.Shape) {
		if !v.Shape().ExpandableTo(meta.Shape) {
			return nil, fmt.Errorf("shape %v is not expandable to %v", v.Shape(), meta.Shape)
		}
		v = arith.SumTo(v, meta.Shape)
	}
	if v.DType() != meta.DType {
		v = arith.Cast(v, meta.DType)
	}
	return v, nil
}
