package gtask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/backward/internal/devrt"
	"github.com/born-ml/backward/internal/graph"
	"github.com/born-ml/backward/internal/tensor"
)

type fakeNode struct {
	name  string
	edges []graph.Edge
}

func (n *fakeNode) Name() string                       { return n.name }
func (n *fakeNode) NumOutputs() int                     { return 1 }
func (n *fakeNode) NumInputs() int                      { return len(n.edges) }
func (n *fakeNode) InputMetadata(i int) graph.InputMetadata { return graph.InputMetadata{} }
func (n *fakeNode) NextEdges() []graph.Edge             { return n.edges }
func (n *fakeNode) Stream() devrt.Stream                { return nil }
func (n *fakeNode) PreHooks() []graph.Hook              { return nil }
func (n *fakeNode) PostHooks() []graph.Hook             { return nil }
func (n *fakeNode) WillReleaseVariables() bool          { return false }
func (n *fakeNode) Metadata() graph.NodeMetadata        { return graph.NodeMetadata{} }
func (n *fakeNode) Apply(grads []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return grads, nil
}

// buildDiamond returns root -> {b, c} -> d, mirroring spec §8 scenario 2.
func buildDiamond() (root, b, c, d *fakeNode) {
	d = &fakeNode{name: "D"}
	edgeD0 := graph.Edge{Node: d, InputNumber: 0}
	edgeD1 := graph.Edge{Node: d, InputNumber: 1}
	b = &fakeNode{name: "B", edges: []graph.Edge{edgeD0}}
	c = &fakeNode{name: "C", edges: []graph.Edge{edgeD1}}
	root = &fakeNode{name: "root", edges: []graph.Edge{
		{Node: b, InputNumber: 0}, {Node: c, InputNumber: 0},
	}}
	return
}

func TestComputeDependenciesCountsDiamond(t *testing.T) {
	root, b, c, d := buildDiamond()
	task := New(nil, nil, 0, false, false, false)
	task.ComputeDependencies(root)

	depB, ok := task.DependencyCount(b)
	require.True(t, ok)
	assert.Equal(t, 1, depB)

	depC, ok := task.DependencyCount(c)
	require.True(t, ok)
	assert.Equal(t, 1, depC)

	depD, ok := task.DependencyCount(d)
	require.True(t, ok)
	assert.Equal(t, 2, depD, "D has two predecessors, B and C")
}

func TestDecrementDependencyReadyOnZero(t *testing.T) {
	root, _, _, d := buildDiamond()
	task := New(nil, nil, 0, false, false, false)
	task.ComputeDependencies(root)

	ready, err := task.DecrementDependency(d)
	require.NoError(t, err)
	assert.False(t, ready, "D still has one more predecessor outstanding")

	ready, err = task.DecrementDependency(d)
	require.NoError(t, err)
	assert.True(t, ready)

	_, ok := task.DependencyCount(d)
	assert.False(t, ok, "ready node's entry must be removed from dependencies_")
}

func TestDecrementDependencyMissingEntryErrors(t *testing.T) {
	task := New(nil, nil, 0, false, false, false)
	_, err := task.DecrementDependency(&fakeNode{name: "ghost"})
	assert.Error(t, err)
}

func TestInitToExecutePrunesUnneededBranch(t *testing.T) {
	// A -> B -> {C, D}; requested output is (B, 0), so C must not run.
	c := &fakeNode{name: "C"}
	d := &fakeNode{name: "D"}
	b := &fakeNode{name: "B", edges: []graph.Edge{{Node: c, InputNumber: 0}, {Node: d, InputNumber: 0}}}
	root := &fakeNode{name: "root", edges: []graph.Edge{{Node: b, InputNumber: 0}}}

	task := New(nil, nil, 0, false, false, false)
	task.ComputeDependencies(root)
	task.InitToExecute(root, []graph.Edge{{Node: b, InputNumber: 0}})

	infoC, tracking := task.ExecInfoFor(c)
	require.True(t, tracking)
	if infoC != nil {
		assert.False(t, infoC.ShouldExecute())
	}

	infoB, _ := task.ExecInfoFor(b)
	require.NotNil(t, infoB)
	assert.True(t, infoB.ShouldExecute(), "B directly captures a requested output")
}

func TestInitToExecuteMarksBothBranchesOfADiamondMerge(t *testing.T) {
	// root -> {B, C}, B -> D, C -> D; requested output is (D, 0). Both B
	// and C sit on the only path to D and must be marked needed even
	// though D is reached a second time (via C) after B's branch has
	// already finished, which a reverse-of-discovery-order post-order gets
	// wrong.
	root, b, c, d := buildDiamond()

	task := New(nil, nil, 0, false, false, false)
	task.ComputeDependencies(root)
	task.InitToExecute(root, []graph.Edge{{Node: d, InputNumber: 0}})

	infoD, tracking := task.ExecInfoFor(d)
	require.True(t, tracking)
	require.NotNil(t, infoD)
	assert.True(t, infoD.ShouldExecute(), "D directly captures the requested output")

	infoB, _ := task.ExecInfoFor(b)
	require.NotNil(t, infoB)
	assert.True(t, infoB.ShouldExecute(), "B is on the only path to D")

	infoC, _ := task.ExecInfoFor(c)
	require.NotNil(t, infoC)
	assert.True(t, infoC.ShouldExecute(), "C is on the only path to D")
}

func TestWeakRefResolvesWhileGraphTaskReachable(t *testing.T) {
	task := New(nil, nil, 0, false, false, false)
	resolve := task.WeakRef()

	owner, ok := resolve()
	require.True(t, ok)
	assert.Equal(t, task.ID, owner.(*GraphTask).ID)
}

func TestSetExceptionAndMarkCompletedAreFirstWriterWins(t *testing.T) {
	task := New(nil, nil, 0, false, false, false)
	task.SetException(assertErr("boom"))
	task.MarkCompleted()

	_, err := task.Wait()
	assert.EqualError(t, err, "boom")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
