package tensor

import (
	"github.com/pkg/errors"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		NumElems: numElems,
		Data:     data,
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on an invalid shape, which is
// always a programming error inside the layer implementations.
func Zeros(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	numElems := calculateNumElements(shape)
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		NumElems: numElems,
		Data:     make([]float32, numElems),
	}
}

// ZerosLike allocates a zero tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	c := ZerosLike(t)
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a view of t with a new shape sharing the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if calculateNumElements(shape) != t.NumElems {
		return nil, errors.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, shape)
	}
	return New(shape, t.Data)
}
