package dataset

import (
	"fmt"

	"github.com/tsawler/tinyai/tensor"
	"github.com/tsawler/tinyai/training"
)

// TransformFunc maps a tensor to a new tensor, e.g. for augmentation.
type TransformFunc func(*tensor.Tensor) (*tensor.Tensor, error)

// TransformDataset applies optional transforms to the samples of a base
// dataset on every access. A nil transform is the identity.
type TransformDataset struct {
	base       training.Dataset
	transformX TransformFunc
	transformY TransformFunc
}

// NewTransformDataset wraps base with the given input and target transforms.
func NewTransformDataset(base training.Dataset, transformX, transformY TransformFunc) *TransformDataset {
	return &TransformDataset{
		base:       base,
		transformX: transformX,
		transformY: transformY,
	}
}

// Len returns the length of the base dataset.
func (d *TransformDataset) Len() int {
	return d.base.Len()
}

// Get returns the transformed sample at idx.
func (d *TransformDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	x, y, err := d.base.Get(idx)
	if err != nil {
		return nil, nil, err
	}

	if d.transformX != nil {
		if x, err = d.transformX(x); err != nil {
			return nil, nil, fmt.Errorf("transform x: %w", err)
		}
	}
	if d.transformY != nil {
		if y, err = d.transformY(y); err != nil {
			return nil, nil, fmt.Errorf("transform y: %w", err)
		}
	}
	return x, y, nil
}

// Flatten reshapes a sample to one dimension.
func Flatten(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Reshape([]int{x.NumElems})
}
