// Package tensor provides the narrow tensor handle the execution engine
// touches directly: shapes, dtypes, device indices, and a refcounted raw
// buffer. Everything about how a tensor's values are actually computed
// belongs to the embedding tensor library (an external collaborator); this
// package only carries the metadata the scheduler needs to validate and
// route gradients between nodes.
//
// Adapted from born-ml/born's internal/tensor package, trimmed to the
// handful of operations the scheduler itself performs (buffer accumulation,
// shape-mismatch reduction, dtype casts) rather than the full arithmetic
// surface a forward/backward operator library would need.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float64
	Int32
	Int64
	Uint8
	Bool
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	default:
		panic("tensor: unknown data type")
	}
}

// IsFloatingPoint reports whether dt is in the floating-point family.
// evaluateFunction requires every gradient it accepts to satisfy this.
func (dt DataType) IsFloatingPoint() bool {
	return dt == Float32 || dt == Float64
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// Device identifies where a tensor lives and, for the engine, which
// ReadyQueue a node consuming it should be scheduled on.
//
// NoDevice and CPUDevice mirror the engine's worker_device constants
// (spec §6); non-negative values are GPU device indices, flat across
// whichever device-type runtime owns them.
type Device int

const (
	// NoDevice marks a goroutine that has not entered the engine.
	NoDevice Device = -2
	// CPUDevice is the always-available synchronous device.
	CPUDevice Device = -1
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch {
	case d == NoDevice:
		return "none"
	case d == CPUDevice:
		return "cpu"
	default:
		return "gpu:" + itoa(int(d))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
