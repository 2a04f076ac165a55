package tlocal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/born-ml/backward/internal/tensor"
)

func TestCurrentDefaultsToNoDevice(t *testing.T) {
	assert.Equal(t, tensor.NoDevice, Current().WorkerDevice)
}

func TestInstallAndRestore(t *testing.T) {
	before := Current()
	assert.Equal(t, tensor.NoDevice, before.WorkerDevice)

	restore := Install(&Context{WorkerDevice: tensor.CPUDevice, CurrentDepth: 2})
	assert.Equal(t, tensor.CPUDevice, Current().WorkerDevice)
	assert.Equal(t, 2, Current().CurrentDepth)

	restore()
	assert.Equal(t, tensor.NoDevice, Current().WorkerDevice)
}

func TestInstallIsPerGoroutine(t *testing.T) {
	var wg sync.WaitGroup
	results := make(chan tensor.Device, 2)

	for _, dev := range []tensor.Device{tensor.CPUDevice, tensor.Device(0)} {
		wg.Add(1)
		go func(d tensor.Device) {
			defer wg.Done()
			restore := Install(&Context{WorkerDevice: d})
			defer restore()
			results <- Current().WorkerDevice
		}(dev)
	}
	wg.Wait()
	close(results)

	seen := map[tensor.Device]bool{}
	for d := range results {
		seen[d] = true
	}
	assert.True(t, seen[tensor.CPUDevice])
	assert.True(t, seen[tensor.Device(0)])
}

func TestNestedInstallRestoresPreviousNotDefault(t *testing.T) {
	restoreOuter := Install(&Context{WorkerDevice: tensor.CPUDevice, CurrentDepth: 1})
	defer restoreOuter()

	restoreInner := Install(&Context{WorkerDevice: tensor.CPUDevice, CurrentDepth: 2})
	assert.Equal(t, 2, Current().CurrentDepth)

	restoreInner()
	assert.Equal(t, 1, Current().CurrentDepth, "restoring the inner scope must reveal the outer one, not the default")
}
