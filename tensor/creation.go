package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a CPU tensor over data. A nil data slice allocates zeros.
// The data slice is used as is, not copied.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for literals in tests and examples; it panics on error.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, data)
}

// Uniform fills a tensor with values drawn from U(-bound, bound).
func Uniform(shape []int, bound float64, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return NewTensor(shape, data)
}

// FromScalar creates a single element tensor of shape [1].
func FromScalar(value float64) *Tensor {
	return MustNew([]int{1}, []float32{float32(value)})
}

// Stack joins same-shaped tensors along a new leading dimension.
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack an empty list of tensors")
	}

	first := tensors[0]
	shape := append([]int{len(tensors)}, first.Shape...)
	data := make([]float32, 0, len(tensors)*first.NumElems)

	for i, t := range tensors {
		if !shapesEqual(t.Shape, first.Shape) {
			return nil, fmt.Errorf("shape mismatch at index %d: %v vs %v", i, t.Shape, first.Shape)
		}
		data = append(data, t.Data...)
	}

	return NewTensor(shape, data)
}
