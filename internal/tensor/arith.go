package tensor

// Arith is the narrow surface an embedding tensor library implements so the
// engine can perform the three arithmetic operations the scheduler itself is
// responsible for: accumulating gradients into an InputBuffer slot,
// reducing a gradient that arrives broadcast-expanded back down to the shape
// its recipient expects, and casting a gradient to its recipient's dtype
// (spec §4.5 step 2 and §4.1's InputBuffer.Add).
//
// The engine never differentiates, multiplies, or otherwise touches tensor
// values beyond these three operations; everything else is the concern of
// whatever library produces the Node graph in the first place. Modeled on
// born-ml/born's tensor.Backend interface shape, trimmed to what an autograd
// scheduler (rather than a full op library) needs.
type Arith interface {
	// Add returns a+b, accumulating in place when doing so is safe (a is
	// unique) and allocating a fresh RawTensor otherwise. Implementations
	// must respect RawTensor.IsUnique before mutating an operand.
	Add(a, b *RawTensor) *RawTensor

	// SumTo reduces t by summation to shape, which must satisfy
	// t.Shape().ExpandableTo(shape). Used when a gradient produced by a
	// broadcasting forward op arrives wider than the input it belongs to.
	SumTo(t *RawTensor, shape Shape) *RawTensor

	// Cast converts t to dtype, used when a gradient's dtype doesn't match
	// its target input's dtype (e.g. a Float64 grad flowing into a Float32
	// leaf).
	Cast(t *RawTensor, dtype DataType) *RawTensor
}
