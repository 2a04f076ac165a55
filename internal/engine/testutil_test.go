package engine

import (
	"fmt"
	"sync"

	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/graph"
	"github.com/born-ml/backward/internal/tensor"
)

// fakeArith is a minimal float32-only tensor.Arith used across engine
// tests, sufficient to exercise accumulation and shape reduction without
// pulling in a real tensor math library.
type fakeArith struct{}

func (fakeArith) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	out, _ := tensor.NewRaw(a.Shape(), a.DType(), a.Device())
	af, bf, of := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()
	for i := range of {
		of[i] = af[i] + bf[i]
	}
	return out
}

func (fakeArith) SumTo(t *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	out, _ := tensor.NewRaw(shape, t.DType(), t.Device())
	src := t.AsFloat32()
	dst := out.AsFloat32()
	sum := float32(0)
	for _, v := range src {
		sum += v
	}
	if len(dst) > 0 {
		dst[0] = sum
	}
	return out
}

func (fakeArith) Cast(t *tensor.RawTensor, dtype tensor.DataType) *tensor.RawTensor {
	out, _ := tensor.NewRaw(t.Shape(), dtype, t.Device())
	return out
}

func f32(vals ...float32) *tensor.RawTensor {
	rt, err := tensor.NewRaw(tensor.Shape{len(vals)}, tensor.Float32, tensor.CPUDevice)
	if err != nil {
		panic(err)
	}
	copy(rt.AsFloat32(), vals)
	return rt
}

// recorder tracks the order and count of Apply invocations across a test's
// node graph.
type recorder struct {
	mu    sync.Mutex
	order []string
	count map[string]int
}

func newRecorder() *recorder { return &recorder{count: make(map[string]int)} }

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.count[name]++
}

func (r *recorder) countOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[name]
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// scaleNode multiplies its single incoming gradient by factor and forwards
// it along a single next edge (or none, if it's a graph leaf).
type scaleNode struct {
	name     string
	factor   float32
	next     graph.Edge
	rec      *recorder
	applyErr error
	onApply  func()
}

func (n *scaleNode) Name() string   { return n.name }
func (n *scaleNode) NumOutputs() int { return 1 }
func (n *scaleNode) NumInputs() int  { return 1 }
func (n *scaleNode) InputMetadata(i int) graph.InputMetadata {
	return graph.InputMetadata{Shape: tensor.Shape{1}, DType: tensor.Float32, Device: tensor.CPUDevice}
}
func (n *scaleNode) NextEdges() []graph.Edge { return []graph.Edge{n.next} }
func (n *scaleNode) Stream() devrt.Stream    { return nil }
func (n *scaleNode) PreHooks() []graph.Hook  { return nil }
func (n *scaleNode) PostHooks() []graph.Hook { return nil }
func (n *scaleNode) WillReleaseVariables() bool { return false }
func (n *scaleNode) Metadata() graph.NodeMetadata { return graph.NodeMetadata{} }

func (n *scaleNode) Apply(grads []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if n.rec != nil {
		n.rec.record(n.name)
	}
	if n.onApply != nil {
		n.onApply()
	}
	if n.applyErr != nil {
		return nil, n.applyErr
	}
	if len(grads) == 0 || grads[0] == nil {
		return []*tensor.RawTensor{nil}, nil
	}
	in := grads[0].AsFloat32()
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = v * n.factor
	}
	return []*tensor.RawTensor{f32(out...)}, nil
}

// mergeNode has two input slots and forwards their sum to a single next
// edge (or none, if it's a leaf) — used to model diamond-shaped graphs.
type mergeNode struct {
	name string
	next graph.Edge
	rec  *recorder
}

func (n *mergeNode) Name() string   { return n.name }
func (n *mergeNode) NumOutputs() int { return 1 }
func (n *mergeNode) NumInputs() int  { return 2 }
func (n *mergeNode) InputMetadata(i int) graph.InputMetadata {
	return graph.InputMetadata{Shape: tensor.Shape{1}, DType: tensor.Float32, Device: tensor.CPUDevice}
}
func (n *mergeNode) NextEdges() []graph.Edge { return []graph.Edge{n.next} }
func (n *mergeNode) Stream() devrt.Stream    { return nil }
func (n *mergeNode) PreHooks() []graph.Hook  { return nil }
func (n *mergeNode) PostHooks() []graph.Hook { return nil }
func (n *mergeNode) WillReleaseVariables() bool { return false }
func (n *mergeNode) Metadata() graph.NodeMetadata { return graph.NodeMetadata{} }

func (n *mergeNode) Apply(grads []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if n.rec != nil {
		n.rec.record(n.name)
	}
	sum := float32(0)
	present := 0
	for _, g := range grads {
		if g != nil {
			sum += g.AsFloat32()[0]
			present++
		}
	}
	if present == 0 {
		return nil, fmt.Errorf("mergeNode %s: no gradients present", n.name)
	}
	return []*tensor.RawTensor{f32(sum)}, nil
}

// alwaysNilNode always forwards an undefined ("nil") gradient down its
// single next edge, modeling an input that legitimately does not require a
// gradient — a documented passthrough (spec §9), not an error.
type alwaysNilNode struct {
	name string
	next graph.Edge
	rec  *recorder
}

func (n *alwaysNilNode) Name() string   { return n.name }
func (n *alwaysNilNode) NumOutputs() int { return 1 }
func (n *alwaysNilNode) NumInputs() int  { return 1 }
func (n *alwaysNilNode) InputMetadata(i int) graph.InputMetadata {
	return graph.InputMetadata{Shape: tensor.Shape{1}, DType: tensor.Float32, Device: tensor.CPUDevice}
}
func (n *alwaysNilNode) NextEdges() []graph.Edge    { return []graph.Edge{n.next} }
func (n *alwaysNilNode) Stream() devrt.Stream       { return nil }
func (n *alwaysNilNode) PreHooks() []graph.Hook     { return nil }
func (n *alwaysNilNode) PostHooks() []graph.Hook    { return nil }
func (n *alwaysNilNode) WillReleaseVariables() bool { return false }
func (n *alwaysNilNode) Metadata() graph.NodeMetadata { return graph.NodeMetadata{} }

func (n *alwaysNilNode) Apply(grads []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if n.rec != nil {
		n.rec.record(n.name)
	}
	return []*tensor.RawTensor{nil}, nil
}

func newTestEngine() *Engine {
	reg := devrt.NewRegistry()
	return New(reg, fakeArith{}, DefaultConfig())
}
