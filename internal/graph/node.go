// Package graph defines the engine-facing computation graph contract: the
// Node/Edge shape the scheduler walks backward over, independent of whatever
// forward-pass library recorded the graph in the first place.
//
// Adapted from born-ml/born's internal/autodiff/ops.Operation and
// MultiOutputOperation interfaces, generalized from a fixed tape of
// recognized operation types into an open Node interface any recorder can
// implement.
package graph

import (
	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/tensor"
)

// Node is a single differentiable function in the recorded graph: an
// operation that consumed some inputs to produce one or more outputs during
// the forward pass, and can turn an output-space gradient into input-space
// gradients during backward. This is the engine-facing node contract of
// spec §6, trimmed of forward-pass concerns the engine never touches.
type Node interface {
	// Name identifies the node for logging and anomaly-mode stack traces.
	Name() string

	// NumOutputs reports how many outputs this node produced. Nodes with
	// NumOutputs() > 1 receive all of their output gradients at once via
	// Apply, mirroring MultiOutputOperation.BackwardMulti.
	NumOutputs() int

	// NumInputs reports the size of the InputBuffer evaluateFunction
	// drains before calling Apply.
	NumInputs() int

	// InputMetadata describes the shape/dtype/device expected at input
	// slot i, used to validate the accumulated buffer and to synthesize
	// zero gradients for slots that never receive one.
	InputMetadata(i int) InputMetadata

	// NextEdges returns, for each input this node consumed, the edge
	// leading to the node that produced it (or a zero Edge if that input
	// is a leaf with no further history).
	NextEdges() []Edge

	// Stream returns the device stream this node's Apply executes on, or
	// nil if it runs on the CPU's implicit synchronous stream.
	Stream() devrt.Stream

	// PreHooks and PostHooks return the hooks to run on the drained
	// InputBuffer values before Apply and on Apply's outputs after it,
	// respectively.
	PreHooks() []Hook
	PostHooks() []Hook

	// WillReleaseVariables reports whether Apply is about to free any
	// tensors it saved from the forward pass, honoring keep_graph.
	WillReleaseVariables() bool

	// Metadata returns anomaly-mode bookkeeping captured when this node
	// was recorded.
	Metadata() NodeMetadata

	// Apply computes input gradients from output gradients. len(grads)
	// equals NumInputs() (the drained InputBuffer); a nil entry means no
	// gradient reached that slot and is passed to Apply as nil. The
	// returned slice has one entry per NextEdges() slot; when NumOutputs()
	// > 1 and at least one returned entry is non-nil, the engine replaces
	// the nil entries with zeros before routing them to successors.
	Apply(grads []*tensor.RawTensor) ([]*tensor.RawTensor, error)
}

// Edge is a directed connection from one node's output slot to the node that
// consumes it as an input.
type Edge struct {
	// Node is the successor consuming this edge's value. A zero Edge (Node
	// == nil) marks a graph leaf: nothing further to propagate to.
	Node Node

	// InputNumber is which of Node's inputs this edge feeds.
	InputNumber int
}

// IsValid reports whether e names a real successor.
func (e Edge) IsValid() bool { return e.Node != nil }

// InputMetadata describes the shape/dtype/device an input slot expects,
// used to validate an incoming gradient and to synthesize a zero gradient
// when a slot never receives one (spec §4.5 step 2).
type InputMetadata struct {
	Shape  tensor.Shape
	DType  tensor.DataType
	Device tensor.Device
}

// Hook is a user-supplied gradient transform, run either before a node
// consumes its inputs (pre-hook) or after it produces its outputs
// (post-hook). Returning a nil grad leaves the original value untouched.
type Hook func(grad *tensor.RawTensor) *tensor.RawTensor

// NodeMetadata carries anomaly-mode bookkeeping: the stack trace captured
// where a node was created. The engine does not read it: an error from
// Apply is reported with the node's Name only, and outputs are not scanned
// for NaN.
type NodeMetadata struct {
	CreationStack string
}
