package tensor

import (
	"fmt"
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Operation is a node of the autograd graph. Backward receives the gradient of
// the operation output and returns one gradient per input (nil when an input
// does not need one).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// Tensor is a dense, row-major float32 tensor living in host memory.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       DeviceType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)",
		t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced t, or nil for leaf tensors.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// SetCreator attaches t to the autograd graph. Operations implemented outside
// this package (losses, custom layers) use it to register themselves. When no
// input requires gradients t stays a constant and op is not recorded.
func (t *Tensor) SetCreator(op Operation) {
	t.creator = nil
	if op == nil {
		return
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			t.creator = op
			t.requiresGrad = true
			return
		}
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
