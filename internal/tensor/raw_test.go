package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRawRejectsInvalidShape(t *testing.T) {
	_, err := NewRaw(Shape{0, 3}, Float32, CPUDevice)
	assert.Error(t, err)
}

func TestNewRawZeroed(t *testing.T) {
	rt, err := NewRaw(Shape{4}, Float32, CPUDevice)
	require.NoError(t, err)
	assert.Equal(t, 4, rt.NumElements())
	for _, v := range rt.AsFloat32() {
		assert.Equal(t, float32(0), v)
	}
}

func TestAsFloat32PanicsOnWrongDType(t *testing.T) {
	rt, err := NewRaw(Shape{1}, Float64, CPUDevice)
	require.NoError(t, err)
	assert.Panics(t, func() { rt.AsFloat32() })
}

func TestCloneSharesBufferAndBumpsRefcount(t *testing.T) {
	rt, err := NewRaw(Shape{2}, Float32, CPUDevice)
	require.NoError(t, err)
	assert.True(t, rt.IsUnique())

	clone := rt.Clone()
	assert.False(t, rt.IsUnique(), "a live clone means the buffer is no longer uniquely referenced")
	assert.False(t, clone.IsUnique())

	copy(rt.AsFloat32(), []float32{1, 2})
	assert.Equal(t, []float32{1, 2}, clone.AsFloat32(), "Clone shares the underlying buffer")

	clone.Release()
	assert.True(t, rt.IsUnique(), "releasing the clone restores uniqueness")
}

func TestForceNonUniqueRestoresOnUndo(t *testing.T) {
	rt, err := NewRaw(Shape{1}, Float32, CPUDevice)
	require.NoError(t, err)
	require.True(t, rt.IsUnique())

	undo := rt.ForceNonUnique()
	assert.False(t, rt.IsUnique())

	undo()
	assert.True(t, rt.IsUnique())
}

func TestWithShapeSharesBuffer(t *testing.T) {
	rt, err := NewRaw(Shape{6}, Float32, CPUDevice)
	require.NoError(t, err)
	copy(rt.AsFloat32(), []float32{1, 2, 3, 4, 5, 6})

	reshaped := rt.WithShape(Shape{2, 3})
	assert.Equal(t, Shape{2, 3}, reshaped.Shape())
	assert.Equal(t, rt.AsFloat32(), reshaped.AsFloat32())
}
