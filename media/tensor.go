package media

import (
	"fmt"
	"math"
	"slices"
)

// Tensor is an immutable dense float32 array in row-major order. The
// constructor copies its input, and Data returns a copy, so a Tensor can
// be shared between goroutines without synchronization.
type Tensor struct {
	shape []int
	data  []float32
}

// NewTensor builds a tensor with the given shape. The number of elements
// in data must equal the product of the dimensions.
func NewTensor(shape []int, data []float32) (Tensor, error) {
	n, err := elementCount(shape)
	if err != nil {
		return Tensor{}, err
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrInvalidShape, shape, n, len(data))
	}
	return Tensor{shape: slices.Clone(shape), data: slices.Clone(data)}, nil
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(shape ...int) (Tensor, error) {
	n, err := elementCount(shape)
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{shape: slices.Clone(shape), data: make([]float32, n)}, nil
}

func elementCount(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: rank 0", ErrInvalidShape)
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		}
		if d > 0 && n > math.MaxInt32/d {
			return 0, fmt.Errorf("%w: %v is too large", ErrInvalidShape, shape)
		}
		n *= d
	}
	return n, nil
}

// Shape returns a copy of the tensor dimensions.
func (t Tensor) Shape() []int { return slices.Clone(t.shape) }

// Rank returns the number of dimensions.
func (t Tensor) Rank() int { return len(t.shape) }

// Dim returns dimension i, or 0 if i is out of range.
func (t Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.shape) {
		return 0
	}
	return t.shape[i]
}

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.data) }

// Data returns a copy of the elements.
func (t Tensor) Data() []float32 { return slices.Clone(t.data) }

// At returns element i of the flattened data.
func (t Tensor) At(i int) float32 { return t.data[i] }

// Equal reports whether both tensors have the same shape and elements.
func (t Tensor) Equal(o Tensor) bool {
	return slices.Equal(t.shape, o.shape) && slices.Equal(t.data, o.data)
}
