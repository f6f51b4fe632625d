package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view of the tensor with a different shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, newNumElems)
	}

	result := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
	if t.requiresGrad {
		result.SetCreator(&ReshapeOp{inputs: []*Tensor{t}})
	}
	return result, nil
}

// Clone returns a deep copy without gradient or graph information.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		Device:       t.Device,
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// Detach returns a tensor sharing data with t but cut from the autograd graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a single element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	return float64(t.Data[0]), nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d with size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return t.Data[offset], nil
}

// Row returns the i-th slice along the leading dimension as a new tensor
// sharing storage with t.
func (t *Tensor) Row(i int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("row() requires at least 2 dimensions, got %d", len(t.Shape))
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("row %d out of range [0, %d)", i, t.Shape[0])
	}
	size := t.NumElems / t.Shape[0]
	return NewTensor(t.Shape[1:], t.Data[i*size:(i+1)*size])
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports whether both tensors have the same shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether values differ by at most tol element-wise.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if other == nil || !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > tol {
			return false
		}
	}
	return true
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(", ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", v))
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad resets accumulated gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.requiresGrad && t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = MustNew(t.Shape, make([]float32, t.NumElems))
	}
	for i := range t.grad.Data {
		t.grad.Data[i] += g.Data[i]
	}
}
