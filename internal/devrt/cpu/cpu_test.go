package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/backward/internal/tensor"
)

func TestRuntimeReportsSingleDevice(t *testing.T) {
	rt := New()
	assert.Equal(t, 1, rt.DeviceCount())
	require.NoError(t, rt.SetDevice(0))
	assert.Panics(t, func() { _ = rt.SetDevice(1) })
}

func TestDefaultStreamIsSynchronousNoOp(t *testing.T) {
	rt := New()
	s := rt.DefaultStream(0)
	assert.Equal(t, tensor.CPUDevice, s.Device())

	ev := s.RecordEvent()
	require.NotNil(t, ev)
	ev.Wait(s)   // must not block
	s.Synchronize() // must not block
}

func TestDefaultStreamIsStableAcrossCalls(t *testing.T) {
	rt := New()
	assert.Same(t, rt.DefaultStream(0), rt.DefaultStream(0))
}
