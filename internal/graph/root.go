package graph

import (
	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/tensor"
)

// GraphRoot is the synthetic Node pushed onto the CPU ready queue at the
// start of execution (spec §4's control-flow overview, step 7). Its Apply
// simply returns the caller-supplied seed gradients unchanged; its
// NextEdges point at the actual output nodes the caller asked to
// differentiate.
type GraphRoot struct {
	edges []Edge
	seeds []*tensor.RawTensor
}

// NewGraphRoot builds a GraphRoot for the given (root node, seed gradient)
// pairs, one edge per requested output.
func NewGraphRoot(roots []Node, seeds []*tensor.RawTensor) *GraphRoot {
	edges := make([]Edge, len(roots))
	for i, r := range roots {
		edges[i] = Edge{Node: r, InputNumber: 0}
	}
	return &GraphRoot{edges: edges, seeds: seeds}
}

// Name implements Node.
func (g *GraphRoot) Name() string { return "GraphRoot" }

// NumOutputs implements Node. GraphRoot has no outputs of its own; it is a
// pass-through, so it reports one pseudo-output per seed to keep the
// evaluateFunction contract uniform.
func (g *GraphRoot) NumOutputs() int { return len(g.seeds) }

// NextEdges implements Node.
func (g *GraphRoot) NextEdges() []Edge { return g.edges }

// NumInputs implements Node. GraphRoot never has a populated InputBuffer of
// its own; evaluateFunction calls Apply with an empty input list and Apply
// returns the seeds.
func (g *GraphRoot) NumInputs() int { return 0 }

// InputMetadata implements Node; GraphRoot has no inputs to describe.
func (g *GraphRoot) InputMetadata(i int) InputMetadata { return InputMetadata{} }

// Stream implements Node: GraphRoot always runs on the CPU's implicit
// synchronous stream.
func (g *GraphRoot) Stream() devrt.Stream { return nil }

// PreHooks implements Node.
func (g *GraphRoot) PreHooks() []Hook { return nil }

// PostHooks implements Node.
func (g *GraphRoot) PostHooks() []Hook { return nil }

// WillReleaseVariables implements Node.
func (g *GraphRoot) WillReleaseVariables() bool { return false }

// Metadata implements Node.
func (g *GraphRoot) Metadata() NodeMetadata { return NodeMetadata{} }

// Apply implements Node: it ignores grads (GraphRoot has no predecessor to
// receive a gradient from) and returns the seeds it was constructed with.
func (g *GraphRoot) Apply(_ []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return g.seeds, nil
}
